package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	mu     sync.Mutex
	calls  []string
	result string
	block  chan struct{}
	closed bool
}

func (s *stubExecutor) Execute(ctx context.Context, name string, args map[string]any) string {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return s.result
}

func (s *stubExecutor) Close() error {
	s.closed = true
	return nil
}

type outcomes struct {
	mu  sync.Mutex
	got []string
}

func (o *outcomes) ObserveToolCall(name, outcome string) {
	o.mu.Lock()
	o.got = append(o.got, name+":"+outcome)
	o.mu.Unlock()
}

func echoBuiltin(name string) Builtin {
	return Builtin{
		Schema: Schema{Name: name, Description: "echo", Parameters: map[string]any{"type": "object"}},
		Run: func(_ context.Context, args map[string]any) (string, error) {
			if v, ok := args["fail"].(bool); ok && v {
				return "", errors.New("boom")
			}
			return "builtin:" + name, nil
		},
	}
}

func TestDispatch_BuiltinTakesPrecedence(t *testing.T) {
	exec := &stubExecutor{result: `{"temp":72}`}
	d := NewDispatcher(exec, []Builtin{echoBuiltin("get_time")}, nil)

	assert.Equal(t, "builtin:get_time", d.Dispatch(context.Background(), "get_time", nil))
	assert.Equal(t, `{"temp":72}`, d.Dispatch(context.Background(), "get_weather", map[string]any{"city": "NYC"}))
	assert.Equal(t, []string{"get_weather"}, exec.calls)
}

func TestDispatch_ErrorsBecomeText(t *testing.T) {
	obs := &outcomes{}
	d := NewDispatcher(nil, []Builtin{echoBuiltin("flaky")}, nil)
	d.Observer = obs

	res := d.Dispatch(context.Background(), "flaky", map[string]any{"fail": true})
	assert.Equal(t, "Error: boom", res)

	res = d.Dispatch(context.Background(), "missing", nil)
	assert.True(t, strings.HasPrefix(res, "Error: unknown tool"), res)
	assert.Equal(t, []string{"flaky:error", "missing:error"}, obs.got)
}

func TestDispatch_Timeout(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	defer close(exec.block)
	obs := &outcomes{}
	d := NewDispatcher(exec, nil, nil).WithTimeout(50 * time.Millisecond)
	d.Observer = obs

	start := time.Now()
	res := d.Dispatch(context.Background(), "slow", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, res, "timed out")
	assert.Equal(t, []string{"slow:timeout"}, obs.got)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	d := NewDispatcher(nil, []Builtin{{
		Schema: Schema{Name: "bad"},
		Run:    func(context.Context, map[string]any) (string, error) { panic("nope") },
	}}, nil)
	assert.Equal(t, `Error: tool "bad" failed`, d.Dispatch(context.Background(), "bad", nil))
}

func TestSchemas_DeclaredFirstWithoutDuplicates(t *testing.T) {
	d := NewDispatcher(nil, []Builtin{echoBuiltin("visit_url"), echoBuiltin("get_time")}, nil)
	declared := []Schema{{Name: "get_weather"}, {Name: "get_time", Description: "declared"}}

	got := d.Schemas(declared)
	require.Len(t, got, 3)
	assert.Equal(t, "get_weather", got[0].Name)
	assert.Equal(t, "declared", got[1].Description)
	assert.Equal(t, "visit_url", got[2].Name)
}

func TestClose_ClosesExecutor(t *testing.T) {
	exec := &stubExecutor{}
	require.NoError(t, NewDispatcher(exec, nil, nil).Close())
	assert.True(t, exec.closed)
	assert.NoError(t, NewDispatcher(nil, nil, nil).Close())
}
