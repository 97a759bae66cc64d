package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/tools"
	"github.com/chadiek/voice-agent/internal/transcript"
)

// fakeTransport records outbound traffic.
type fakeTransport struct {
	mu    sync.Mutex
	msgs  []any
	audio int
	// order interleaves message types with "audio" for binary frames
	order []string
}

func (f *fakeTransport) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.order = append(f.order, typeOf(msg))
	return nil
}

func (f *fakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	f.order = append(f.order, "audio")
	return nil
}

func (f *fakeTransport) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// types returns the "type" of every message sent so far.
func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, typeOf(m))
	}
	return out
}

func (f *fakeTransport) find(kind string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.msgs {
		if typeOf(m) != kind {
			continue
		}
		b, _ := json.Marshal(m)
		var v map[string]any
		_ = json.Unmarshal(b, &v)
		out = append(out, v)
	}
	return out
}

func (f *fakeTransport) count(kind string) int { return len(f.find(kind)) }

func (f *fakeTransport) audioChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func typeOf(m any) string {
	b, _ := json.Marshal(m)
	var env ClientMessage
	_ = json.Unmarshal(b, &env)
	return env.Type
}

func waitForType(t *testing.T, tr *fakeTransport, kind string) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.count(kind) > 0 }, 2*time.Second, 5*time.Millisecond,
		"never saw %q, got %v", kind, tr.types())
}

// fakeSTT is a speech recognition connection controlled by the test.
type fakeSTT struct {
	mu     sync.Mutex
	sent   int
	clears int
	closed bool
}

func (f *fakeSTT) Send(pcm []byte) {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
}

func (f *fakeSTT) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeSTT) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSTT) stats() (sent, clears int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.clears, f.closed
}

// sttDialer hands out fakeSTT connections and keeps the event sinks.
type sttDialer struct {
	mu     sync.Mutex
	dials  int
	fail   int
	conns  []*fakeSTT
	events []transcript.Events
}

func (d *sttDialer) dial(ctx context.Context, prompt string, ev transcript.Events) (Transcriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("dial refused")
	}
	c := &fakeSTT{}
	d.conns = append(d.conns, c)
	d.events = append(d.events, ev)
	return c, nil
}

func (d *sttDialer) last() (*fakeSTT, transcript.Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, transcript.Events{}
	}
	return d.conns[len(d.conns)-1], d.events[len(d.events)-1]
}

func (d *sttDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// scriptedModel answers each call from a script; once exhausted it repeats the last entry.
type scriptedModel struct {
	mu      sync.Mutex
	calls   int
	seen    [][]llm.Message
	script  []func(ctx context.Context) (*llm.Response, error)
	started chan struct{}
}

func (m *scriptedModel) Chat(ctx context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.seen = append(m.seen, append([]llm.Message(nil), messages...))
	step := m.script[min(i, len(m.script)-1)]
	started := m.started
	m.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	return step(ctx)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func reply(content *string) func(context.Context) (*llm.Response, error) {
	return func(context.Context) (*llm.Response, error) {
		return &llm.Response{Content: content, FinishReason: "stop"}, nil
	}
}

func toolCalls(calls ...llm.ToolCall) func(context.Context) (*llm.Response, error) {
	return func(context.Context) (*llm.Response, error) {
		return &llm.Response{ToolCalls: calls, FinishReason: "tool_calls"}, nil
	}
}

func blockUntilCancelled(ctx context.Context) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// fakeSpeaker emits one chunk per utterance unless told to fail or block.
type fakeSpeaker struct {
	mu     sync.Mutex
	texts  []string
	err    error
	block  bool
	stream bool
	closed bool
}

func (f *fakeSpeaker) Synthesize(ctx context.Context, text string, onChunk func([]byte)) error {
	if ctx.Err() != nil {
		return nil
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	err, block, stream := f.err, f.block, f.stream
	f.mu.Unlock()
	if stream {
		// keep producing until cancelled, then flush a few buffered chunks like a real upstream
		for ctx.Err() == nil {
			onChunk([]byte{0, 1})
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			onChunk([]byte{0, 1})
		}
		return nil
	}
	onChunk([]byte{0, 1})
	if block {
		<-ctx.Done()
		return nil
	}
	return err
}

func (f *fakeSpeaker) SampleRate() int { return 24000 }

func (f *fakeSpeaker) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeTools answers get_weather and records every call.
type fakeTools struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any
}

func (f *fakeTools) Dispatch(_ context.Context, name string, args map[string]any) string {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if name == "get_weather" {
		return `{"city":"NYC","conditions":"sunny","temp_f":75}`
	}
	return "Error: unknown tool " + name
}

func (f *fakeTools) Schemas(declared []tools.Schema) []tools.Schema { return declared }

type harness struct {
	sess    *Session
	tr      *fakeTransport
	stt     *sttDialer
	model   *scriptedModel
	speaker *fakeSpeaker
	tools   *fakeTools
}

func newHarness(t *testing.T, cfg Config, model *scriptedModel) *harness {
	t.Helper()
	h := &harness{
		tr:      &fakeTransport{},
		stt:     &sttDialer{},
		model:   model,
		speaker: &fakeSpeaker{},
		tools:   &fakeTools{},
	}
	h.sess = NewSession(Options{
		ID:        "test",
		Config:    cfg,
		Model:     model,
		Tools:     h.tools,
		DialSTT:   h.stt.dial,
		Speaker:   h.speaker,
		Transport: h.tr,
	})
	t.Cleanup(h.sess.Stop)
	return h
}

// start starts the session and waits for speech recognition to connect.
func (h *harness) start(t *testing.T) (*fakeSTT, transcript.Events) {
	t.Helper()
	h.sess.Start()
	require.Eventually(t, func() bool {
		h.sess.mu.Lock()
		defer h.sess.mu.Unlock()
		return h.sess.stt != nil
	}, 2*time.Second, 5*time.Millisecond)
	return h.stt.last()
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.Tools = []ToolDef{{
		Name:        "get_weather",
		Description: "Current weather for a city",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
	}}
	return cfg
}
