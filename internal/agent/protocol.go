package agent

// Client to server message types.
const (
	TypeAudioReady = "audio_ready"
	TypeCancel     = "cancel"
	TypeReset      = "reset"
	TypePing       = "ping"
)

// Server to client message types not shared with the client set.
const (
	TypeReady      = "ready"
	TypeGreeting   = "greeting"
	TypeTranscript = "transcript"
	TypeTurn       = "turn"
	TypeThinking   = "thinking"
	TypeChat       = "chat"
	TypeTTSDone    = "tts_done"
	TypeCancelled  = "cancelled"
	TypeError      = "error"
	TypePong       = "pong"
)

// ClientMessage is the envelope of every inbound control frame.
type ClientMessage struct {
	Type string `json:"type"`
}

// ReadyMessage announces the session and the PCM rates in each direction.
type ReadyMessage struct {
	Type          string `json:"type"`
	SampleRate    int    `json:"sampleRate"`
	TTSSampleRate int    `json:"ttsSampleRate"`
}

// TextMessage carries greeting and turn text.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TranscriptMessage relays partial and final speech recognition text.
type TranscriptMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ChatMessage is the agent answer with the tools it used.
type ChatMessage struct {
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Steps []string `json:"steps"`
}

// ErrorMessage reports a failure the session survived.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// EventMessage carries no payload beyond its type.
type EventMessage struct {
	Type string `json:"type"`
}

// Event builds a payload-free message such as thinking, tts_done, cancelled, reset or pong.
func Event(kind string) EventMessage { return EventMessage{Type: kind} }
