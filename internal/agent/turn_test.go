package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/llm"
)

func baseHistory() []llm.Message {
	return []llm.Message{llm.SystemMessage(DefaultConfig().SystemPrompt())}
}

func TestRunTurn_AtMostThreeLLMCalls(t *testing.T) {
	model := &scriptedModel{script: []func(context.Context) (*llm.Response, error){
		func(context.Context) (*llm.Response, error) {
			return &llm.Response{
				Content:   llm.Text("Let me check."),
				ToolCalls: []llm.ToolCall{call("c", "get_weather", `{"city":"NYC"}`)},
			}, nil
		},
	}}
	ft := &fakeTools{}

	res, err := RunTurn(context.Background(), TurnInput{
		UserText: "weather?",
		History:  baseHistory(),
		Model:    model,
		Dispatch: ft.Dispatch,
	})
	require.NoError(t, err)
	assert.Equal(t, MaxLLMCalls, model.callCount())
	assert.Equal(t, "Let me check.", res.Text)
	assert.Equal(t, []string{"Using get_weather", "Using get_weather", "Using get_weather"}, res.Steps)
}

func TestRunTurn_ExhaustedWithoutTextReturnsEmpty(t *testing.T) {
	model := &scriptedModel{script: []func(context.Context) (*llm.Response, error){
		toolCalls(call("c", "get_weather", `{}`)),
	}}
	res, err := RunTurn(context.Background(), TurnInput{UserText: "hi", History: baseHistory(), Model: model, Dispatch: (&fakeTools{}).Dispatch})
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, llm.RoleTool, res.Messages[len(res.Messages)-1].Role)
}

func TestRunTurn_ToolCallsRunInOrder(t *testing.T) {
	model := &scriptedModel{script: []func(context.Context) (*llm.Response, error){
		toolCalls(
			call("a", "get_weather", `{"city":"NYC"}`),
			call("b", "get_weather", `not json`),
			call("c", "lookup", ``),
		),
		reply(llm.Text("Done.")),
	}}
	ft := &fakeTools{}
	history := baseHistory()

	res, err := RunTurn(context.Background(), TurnInput{UserText: "go", History: history, Model: model, Dispatch: ft.Dispatch})
	require.NoError(t, err)
	assert.Equal(t, "Done.", res.Text)
	assert.Len(t, history, 1, "input history is not modified")

	// system, user, assistant(tool calls), 3 tool results, assistant
	require.Len(t, res.Messages, 7)
	ids := []string{res.Messages[3].ToolCallID, res.Messages[4].ToolCallID, res.Messages[5].ToolCallID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Contains(t, *res.Messages[3].Content, "sunny")
	assert.True(t, strings.HasPrefix(*res.Messages[4].Content, "Error: invalid arguments for get_weather"))
	assert.Equal(t, "Error: unknown tool lookup", *res.Messages[5].Content)

	// the malformed call never reached the dispatcher
	assert.Equal(t, []string{"get_weather", "lookup"}, ft.calls)

	// the second LLM call saw every tool result
	require.Equal(t, 2, model.callCount())
	assert.Len(t, model.seen[1], 6)
}

func TestRunTurn_ChatErrorAndCancellation(t *testing.T) {
	failing := &scriptedModel{script: []func(context.Context) (*llm.Response, error){
		func(context.Context) (*llm.Response, error) { return nil, errors.New("status=500") },
	}}
	_, err := RunTurn(context.Background(), TurnInput{UserText: "hi", History: baseHistory(), Model: failing})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{script: []func(context.Context) (*llm.Response, error){reply(llm.Text("never"))}}
	_, err = RunTurn(ctx, TurnInput{UserText: "hi", History: baseHistory(), Model: model})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, model.callCount())
}

func TestRunTurn_NilContentUsesFallback(t *testing.T) {
	model := &scriptedModel{script: []func(context.Context) (*llm.Response, error){reply(nil)}}
	res, err := RunTurn(context.Background(), TurnInput{UserText: "hi", History: baseHistory(), Model: model})
	require.NoError(t, err)
	assert.Equal(t, FallbackText, res.Text)
	assert.Equal(t, FallbackText, *res.Messages[len(res.Messages)-1].Content)
}
