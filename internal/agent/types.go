package agent

import (
	"context"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/tools"
	"github.com/chadiek/voice-agent/internal/transcript"
)

// Transcriber is one live speech-to-text connection.
type Transcriber interface {
	// Send forwards PCM audio; it is dropped when the connection is not open.
	Send(pcm []byte)
	// Clear asks the upstream to end the current turn now.
	Clear() error
	Close() error
}

// TranscriberDialer opens a speech-to-text connection that reports to ev.
type TranscriberDialer func(ctx context.Context, prompt string, ev transcript.Events) (Transcriber, error)

// ChatModel runs one chat completion.
type ChatModel interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error)
}

// Speaker streams synthesized audio for one utterance at a time.
type Speaker interface {
	Synthesize(ctx context.Context, text string, onChunk func([]byte)) error
	SampleRate() int
	Close() error
}

// ToolDispatcher runs tools by name and always answers with result text.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) string
	Schemas(declared []tools.Schema) []tools.Schema
}

// Transport delivers outbound protocol messages and audio to the client.
type Transport interface {
	Send(msg any) error
	SendAudio(pcm []byte) error
}

// Observer receives session-level events for metrics. Outcomes are "ok", "error" or "cancelled".
type Observer interface {
	ObserveTurn(outcome string)
	ObserveSTTReconnect()
}
