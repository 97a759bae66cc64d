package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultURL is the AssemblyAI v3 streaming endpoint.
const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

// DefaultConnectTimeout bounds the websocket handshake.
const DefaultConnectTimeout = 10 * time.Second

const writeTimeout = 5 * time.Second

var (
	// ErrConnectTimeout is returned when the upstream handshake does not finish in time.
	ErrConnectTimeout = errors.New("transcript: connect timed out")
	// ErrNotConnected is returned by control operations on a closed connection.
	ErrNotConnected = errors.New("transcript: not connected")
)

// CloseError reports an upstream close with a non-normal code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transcript: upstream closed with code %d: %s", e.Code, e.Reason)
}

// Config describes one streaming session.
type Config struct {
	APIKey      string
	URL         string
	SampleRate  int
	SpeechModel string
	// FormatTurns asks the upstream to emit a second, punctuated Turn message at end of turn.
	FormatTurns                      bool
	MinEndOfTurnSilenceWhenConfident int
	MaxTurnSilence                   int
	// Prompt is an optional transcription hint.
	Prompt         string
	ConnectTimeout time.Duration
}

// DefaultConfig returns the settings used by voice sessions.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:                           apiKey,
		URL:                              DefaultURL,
		SampleRate:                       16000,
		SpeechModel:                      "u3-pro",
		FormatTurns:                      true,
		MinEndOfTurnSilenceWhenConfident: 400,
		MaxTurnSilence:                   1200,
		ConnectTimeout:                   DefaultConnectTimeout,
	}
}

// Events receives semantic events from the upstream. Callbacks run on the read goroutine.
type Events struct {
	// OnTranscript fires for partial or final transcript text.
	OnTranscript func(text string, final bool)
	// OnTurn fires once per completed (formatted) user turn.
	OnTurn  func(text string)
	OnError func(err error)
	// OnClose fires when the upstream ends the connection. It does not fire after Close.
	OnClose func(code int, reason string)
}

// AssemblyAI message types
type envelope struct {
	Type string `json:"type"`
}

type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string  `json:"type"`
	Transcript    *string `json:"transcript"`
	EndOfTurn     bool    `json:"end_of_turn"`
	TurnFormatted bool    `json:"turn_is_formatted"`
}

type TranscriptMessage struct {
	Type    string  `json:"type"`
	Text    *string `json:"text"`
	IsFinal bool    `json:"is_final"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Conn is one live streaming connection.
type Conn struct {
	ws  *websocket.Conn
	ev  Events
	log *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
	closing bool
	done    chan struct{}
}

// Connect dials the upstream and starts the read loop.
func Connect(ctx context.Context, cfg Config, ev Events, log *zap.Logger) (*Conn, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AssemblyAI API key is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	wsURL, err := buildURL(cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{"Authorization": {cfg.APIKey}}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if ctx.Err() == nil && isTimeout(dialCtx, err) {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
		}
		if resp != nil {
			log.Warn("AssemblyAI connection rejected", zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	c := &Conn{
		ws:   ws,
		ev:   ev,
		log:  log,
		open: true,
		done: make(chan struct{}),
	}
	go c.handleMessages()
	log.Info("connected to AssemblyAI streaming service")
	return c, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func buildURL(cfg Config) (string, error) {
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transcript: parse url: %w", err)
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	params := u.Query()
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	if cfg.SpeechModel != "" {
		params.Set("speech_model", cfg.SpeechModel)
	}
	if cfg.MinEndOfTurnSilenceWhenConfident > 0 {
		params.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(cfg.MinEndOfTurnSilenceWhenConfident))
	}
	if cfg.MaxTurnSilence > 0 {
		params.Set("max_turn_silence", strconv.Itoa(cfg.MaxTurnSilence))
	}
	if p := strings.TrimSpace(cfg.Prompt); p != "" {
		params.Set("prompt", p)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Send writes PCM audio while the connection is open; otherwise the audio is dropped.
func (c *Conn) Send(pcm []byte) {
	if len(pcm) == 0 || !c.isOpen() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		c.log.Debug("error sending audio data", zap.Error(err))
	}
}

// Clear asks the upstream to end the current turn immediately.
func (c *Conn) Clear() error {
	return c.writeJSON(map[string]string{"type": "ForceEndpoint"})
}

// Close terminates the session. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.open
	c.closing = true
	c.mu.Unlock()

	if wasOpen {
		_ = c.writeJSON(map[string]string{"type": "Terminate"})
	}
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	err := c.ws.Close()
	c.log.Info("AssemblyAI connection closed")
	return err
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) writeJSON(v any) error {
	if !c.isOpen() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// handleMessages processes incoming WebSocket messages until the connection ends.
func (c *Conn) handleMessages() {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in handleMessages", zap.Any("panic", r))
		}
	}()
	for {
		mt, message, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.processMessage(message)
	}
}

func (c *Conn) handleReadError(err error) {
	c.mu.Lock()
	c.open = false
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	if code != websocket.CloseNormalClosure {
		c.log.Warn("AssemblyAI connection lost", zap.Int("code", code), zap.String("reason", reason))
		if c.ev.OnError != nil {
			c.ev.OnError(&CloseError{Code: code, Reason: reason})
		}
	}
	if c.ev.OnClose != nil {
		c.ev.OnClose(code, reason)
	}
}

// processMessage validates and dispatches one upstream frame. Invalid frames are dropped.
func (c *Conn) processMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.log.Warn("error unmarshaling message", zap.Error(err))
		return
	}
	switch env.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("error unmarshaling Begin message", zap.Error(err))
			return
		}
		c.log.Info("AssemblyAI session began",
			zap.String("id", msg.ID),
			zap.Time("expires_at", time.Unix(msg.ExpiresAt, 0)))
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Transcript == nil {
			c.log.Warn("dropping malformed Turn message", zap.ByteString("raw", message))
			return
		}
		text := *msg.Transcript
		if msg.TurnFormatted {
			if strings.TrimSpace(text) == "" {
				return
			}
			if c.ev.OnTurn != nil {
				c.ev.OnTurn(text)
			}
			return
		}
		if c.ev.OnTranscript != nil {
			c.ev.OnTranscript(text, false)
		}
	case "Transcript":
		var msg TranscriptMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Text == nil {
			c.log.Warn("dropping malformed Transcript message", zap.ByteString("raw", message))
			return
		}
		if c.ev.OnTranscript != nil {
			c.ev.OnTranscript(*msg.Text, msg.IsFinal)
		}
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("error unmarshaling Termination message", zap.Error(err))
			return
		}
		c.log.Info("AssemblyAI session terminated",
			zap.Float64("audio_duration_s", msg.AudioDurationSeconds),
			zap.Float64("session_duration_s", msg.SessionDurationSeconds))
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("error unmarshaling Error message", zap.Error(err))
			return
		}
		c.log.Warn("AssemblyAI error", zap.String("error", msg.Error))
	default:
		c.log.Warn("unknown message type", zap.String("type", env.Type))
	}
}
