package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultURL is the streaming TTS websocket endpoint.
const DefaultURL = "wss://tts.assemblyai.com/v1/ws"

// DefaultSampleRate is the PCM rate of synthesized audio.
const DefaultSampleRate = 24000

// endOfStream tells the upstream no more words follow.
const endOfStream = "<EOS>"

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// ErrClosed is returned by Synthesize after Close.
var ErrClosed = errors.New("tts: client closed")

// CloseError reports an upstream close with an unexpected code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("tts: upstream closed with code %d: %s", e.Code, e.Reason)
}

// Config holds voice and generation parameters sent once per utterance.
type Config struct {
	URL               string
	APIKey            string
	Voice             string
	Model             string
	SampleRate        int
	Speed             float64
	MaxTokens         int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// DefaultConfig returns generation defaults for the given voice.
func DefaultConfig(apiKey, voice string) Config {
	if voice == "" {
		voice = "tara"
	}
	return Config{
		URL:               DefaultURL,
		APIKey:            apiKey,
		Voice:             voice,
		Model:             "orpheus",
		SampleRate:        DefaultSampleRate,
		Speed:             1.0,
		MaxTokens:         2000,
		Temperature:       0.6,
		TopP:              0.9,
		RepetitionPenalty: 1.1,
	}
}

type configFrame struct {
	Voice             string  `json:"voice"`
	Model             string  `json:"model,omitempty"`
	SampleRate        int     `json:"sample_rate"`
	Speed             float64 `json:"speed,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// Observer is notified once per utterance with "ok", "cancelled" or "error".
type Observer interface {
	ObserveTTSUtterance(outcome string)
}

// standby is a connection opened ahead of the next utterance.
type standby struct {
	ready chan struct{}
	ws    *websocket.Conn
	err   error
}

// Client streams one utterance at a time over a pre-warmed websocket.
type Client struct {
	cfg      Config
	dialer   websocket.Dialer
	log      *zap.Logger
	Observer Observer

	mu       sync.Mutex
	next     *standby
	disposed bool
}

// NewClient opens the first standby connection in the background.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: dialTimeout},
		log:    log.With(zap.String("component", "tts")),
	}
	c.warm()
	return c
}

// SampleRate reports the PCM rate of emitted chunks.
func (c *Client) SampleRate() int { return c.cfg.SampleRate }

// Synthesize streams audio for text to onChunk. Cancellation resolves with a nil error;
// chunks already delivered are not rolled back.
func (c *Client) Synthesize(ctx context.Context, text string, onChunk func([]byte)) (err error) {
	if ctx.Err() != nil {
		return nil
	}
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrClosed
	}

	words := strings.Fields(Clean(text))
	if len(words) == 0 {
		return nil
	}

	defer func() {
		c.observe(ctx, err)
		c.warm()
	}()

	ws, reused, err := c.take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if reused {
		if werr := c.sendUtterance(ws, words); werr != nil {
			// the standby socket went stale while idle; retry once on a fresh one
			_ = ws.Close()
			c.log.Debug("standby socket unusable, dialing fresh", zap.Error(werr))
			if ws, err = c.dial(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		} else {
			return c.receive(ctx, ws, onChunk)
		}
	}
	if err := c.sendUtterance(ws, words); err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return c.receive(ctx, ws, onChunk)
}

// Close stops pre-warming and closes the standby socket. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	sb := c.next
	c.next = nil
	c.mu.Unlock()

	if sb != nil {
		go func() {
			<-sb.ready
			if sb.ws != nil {
				_ = sb.ws.Close()
			}
		}()
	}
	return nil
}

// warm opens a standby connection unless one exists or the client is disposed.
func (c *Client) warm() {
	c.mu.Lock()
	if c.disposed || c.next != nil {
		c.mu.Unlock()
		return
	}
	sb := &standby{ready: make(chan struct{})}
	c.next = sb
	c.mu.Unlock()

	go func() {
		ws, err := c.dial(context.Background())
		sb.ws, sb.err = ws, err
		close(sb.ready)
		if err != nil {
			c.log.Warn("pre-warm dial failed", zap.Error(err))
			c.mu.Lock()
			if c.next == sb {
				c.next = nil
			}
			c.mu.Unlock()
		}
	}()
}

// take claims the standby connection, waiting for it if it is still connecting,
// or dials a fresh one when none is usable.
func (c *Client) take(ctx context.Context) (*websocket.Conn, bool, error) {
	c.mu.Lock()
	sb := c.next
	c.next = nil
	c.mu.Unlock()

	if sb != nil {
		select {
		case <-sb.ready:
			if sb.err == nil && sb.ws != nil {
				return sb.ws, true, nil
			}
		case <-ctx.Done():
			go func() {
				<-sb.ready
				if sb.ws != nil {
					_ = sb.ws.Close()
				}
			}()
			return nil, false, ctx.Err()
		}
	}
	ws, err := c.dial(ctx)
	return ws, false, err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tts: dial: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("tts: dial: %w", err)
	}
	return ws, nil
}

// sendUtterance writes the config frame, one frame per word and the end sentinel.
func (c *Client) sendUtterance(ws *websocket.Conn, words []string) error {
	cfg, err := json.Marshal(configFrame{
		Voice:             c.cfg.Voice,
		Model:             c.cfg.Model,
		SampleRate:        c.cfg.SampleRate,
		Speed:             c.cfg.Speed,
		MaxTokens:         c.cfg.MaxTokens,
		Temperature:       c.cfg.Temperature,
		TopP:              c.cfg.TopP,
		RepetitionPenalty: c.cfg.RepetitionPenalty,
	})
	if err != nil {
		return fmt.Errorf("tts: marshal config: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, cfg); err != nil {
		return fmt.Errorf("tts: send config: %w", err)
	}
	for _, w := range words {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(w)); err != nil {
			return fmt.Errorf("tts: send word: %w", err)
		}
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(endOfStream)); err != nil {
		return fmt.Errorf("tts: send end of stream: %w", err)
	}
	return nil
}

// receive forwards binary frames until the upstream closes the socket.
func (c *Client) receive(ctx context.Context, ws *websocket.Conn, onChunk func([]byte)) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseNoStatusReceived {
					return nil
				}
				return &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return fmt.Errorf("tts: read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			c.log.Debug("ignoring text frame", zap.ByteString("data", data))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if len(data) > 0 && onChunk != nil {
			onChunk(data)
		}
	}
}

func (c *Client) observe(ctx context.Context, err error) {
	if c.Observer == nil {
		return
	}
	switch {
	case ctx.Err() != nil:
		c.Observer.ObserveTTSUtterance("cancelled")
	case err != nil:
		c.Observer.ObserveTTSUtterance("error")
	default:
		c.Observer.ObserveTTSUtterance("ok")
	}
}
