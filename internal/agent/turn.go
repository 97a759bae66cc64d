package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chadiek/voice-agent/internal/llm"
)

// MaxLLMCalls bounds the chat completions issued for one user utterance.
const MaxLLMCalls = 3

// FallbackText is spoken when the model answers with no content.
const FallbackText = "Sorry, I couldn't generate a response."

// TurnInput is everything one turn needs. History is not modified.
type TurnInput struct {
	UserText string
	History  []llm.Message
	Tools    []llm.Tool
	Model    ChatModel
	Dispatch func(ctx context.Context, name string, args map[string]any) string
}

// TurnResult is the spoken answer, the tool trace and the history including this turn.
type TurnResult struct {
	Text     string
	Steps    []string
	Messages []llm.Message
}

// RunTurn runs the bounded LLM/tool-calling loop for one user utterance.
// Tool calls are executed one at a time in the order the model listed them.
func RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	msgs := make([]llm.Message, 0, len(in.History)+8)
	msgs = append(msgs, in.History...)
	msgs = append(msgs, llm.UserMessage(in.UserText))

	var (
		steps    []string
		lastText string
	)
	for i := 0; i < MaxLLMCalls; i++ {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		resp, err := in.Model.Chat(ctx, msgs, in.Tools)
		if err != nil {
			return TurnResult{}, fmt.Errorf("chat: %w", err)
		}
		if resp.Content != nil && strings.TrimSpace(*resp.Content) != "" {
			lastText = *resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			text := FallbackText
			if resp.Content != nil {
				text = *resp.Content
			}
			msgs = append(msgs, llm.AssistantMessage(llm.Text(text), nil))
			return TurnResult{Text: text, Steps: steps, Messages: msgs}, nil
		}

		msgs = append(msgs, llm.AssistantMessage(resp.Content, resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			steps = append(steps, "Using "+call.Function.Name)
			result := runToolCall(ctx, in.Dispatch, call)
			if err := ctx.Err(); err != nil {
				return TurnResult{}, err
			}
			msgs = append(msgs, llm.ToolMessage(call.ID, result))
		}
	}

	// the model kept asking for tools; answer with whatever text it produced
	if lastText != "" {
		msgs = append(msgs, llm.AssistantMessage(llm.Text(lastText), nil))
	}
	return TurnResult{Text: lastText, Steps: steps, Messages: msgs}, nil
}

func runToolCall(ctx context.Context, dispatch func(context.Context, string, map[string]any) string, call llm.ToolCall) string {
	name := call.Function.Name
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
		}
	}
	if dispatch == nil {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	return dispatch(ctx, name, args)
}
