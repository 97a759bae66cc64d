package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/transcript"
)

// DefaultInputSampleRate is the PCM rate expected from the client microphone.
const DefaultInputSampleRate = 16000

const (
	// maxSTTReconnects bounds consecutive reconnects that did not yield a healthy connection.
	maxSTTReconnects = 5
	reconnectBurst   = 2
	reconnectEvery   = time.Second
	// sttStableAfter is how long a connection must live before its close stops counting as a failure.
	sttStableAfter   = 10 * time.Second
)

// Options wires a Session to its collaborators.
type Options struct {
	ID        string
	Config    Config
	Model     ChatModel
	Tools     ToolDispatcher
	DialSTT   TranscriberDialer
	Speaker   Speaker
	Transport Transport
	Observer  Observer
	Log       *zap.Logger

	InputSampleRate int
}

// Session is the per-connection engine: it feeds audio to speech recognition, runs a
// turn for every completed utterance and speaks the answers back.
type Session struct {
	id        string
	cfg       Config
	model     ChatModel
	dispatch  ToolDispatcher
	dialSTT   TranscriberDialer
	speaker   Speaker
	transport Transport
	observer  Observer
	log       *zap.Logger
	tools     []llm.Tool

	inputRate int

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	messages        []llm.Message
	stt             Transcriber
	sttGen          uint64
	sttFailures     int
	sttConnectedAt  time.Time
	turnSeq         uint64
	turnCancel      context.CancelFunc
	ttsSeq          uint64
	ttsCancel       context.CancelFunc
	greetingPending bool
	stopped         bool

	reconnect *rate.Limiter
	turns     sync.WaitGroup
	relays    sync.WaitGroup
	bg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewSession builds an engine. Nothing happens until Start.
func NewSession(opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	inputRate := opts.InputSampleRate
	if inputRate <= 0 {
		inputRate = DefaultInputSampleRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        opts.ID,
		cfg:       opts.Config,
		model:     opts.Model,
		dispatch:  opts.Tools,
		dialSTT:   opts.DialSTT,
		speaker:   opts.Speaker,
		transport: opts.Transport,
		observer:  opts.Observer,
		log:       log.With(zap.String("session_id", opts.ID)),
		inputRate: inputRate,
		ctx:       ctx,
		cancel:    cancel,
		messages:  []llm.Message{llm.SystemMessage(opts.Config.SystemPrompt())},
		reconnect: newReconnectLimiter(),
	}
	if s.dispatch != nil {
		s.tools = toLLMTools(s.dispatch.Schemas(opts.Config.Schemas()))
	}
	return s
}

func newReconnectLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(reconnectEvery), reconnectBurst)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Messages returns a copy of the conversation history.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Start announces the session and connects speech recognition in the background.
func (s *Session) Start() {
	ttsRate := 0
	if s.speaker != nil {
		ttsRate = s.speaker.SampleRate()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.greetingPending = s.cfg.Greeting != ""
	s.send(ReadyMessage{Type: TypeReady, SampleRate: s.inputRate, TTSSampleRate: ttsRate})
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		if err := s.connectSTT(); err != nil && s.ctx.Err() == nil {
			s.log.Error("speech recognition connect failed", zap.Error(err))
			s.sendError("Failed to connect to speech recognition", err)
		}
	}()
}

// OnAudioReady delivers the pending greeting once.
func (s *Session) OnAudioReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.greetingPending || s.stopped {
		return
	}
	s.greetingPending = false
	s.greetLocked()
}

// OnAudio forwards microphone audio. Audio is dropped while speech recognition is not connected.
func (s *Session) OnAudio(pcm []byte) {
	s.mu.Lock()
	stt := s.stt
	s.mu.Unlock()
	if stt != nil {
		stt.Send(pcm)
	}
}

// OnCancel interrupts the in-flight turn and speech.
func (s *Session) OnCancel() {
	s.interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.send(Event(TypeCancelled))
}

// OnReset interrupts, forgets the conversation and greets again.
func (s *Session) OnReset() {
	s.interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.messages = s.messages[:1:1]
	s.send(Event(TypeReset))
	s.greetingPending = false
	s.greetLocked()
}

// Stop tears the session down once: in-flight work is cancelled and awaited, then
// speech recognition and synthesis are closed. Concurrent callers wait for the first.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.cancelTurnLocked()
		s.cancelSpeechLocked()
		stt := s.stt
		s.stt = nil
		s.sttGen++
		s.mu.Unlock()

		s.cancel()
		s.relays.Wait()
		s.turns.Wait()
		s.bg.Wait()

		if stt != nil {
			if err := stt.Close(); err != nil {
				s.log.Debug("closing speech recognition", zap.Error(err))
			}
		}
		if s.speaker != nil {
			if err := s.speaker.Close(); err != nil {
				s.log.Debug("closing speech synthesis", zap.Error(err))
			}
		}
		s.log.Info("session stopped")
	})
}

// interrupt cancels the turn and speech and asks speech recognition to end the current turn.
func (s *Session) interrupt() {
	s.mu.Lock()
	s.cancelTurnLocked()
	s.cancelSpeechLocked()
	stt := s.stt
	s.mu.Unlock()
	if stt != nil {
		if err := stt.Clear(); err != nil {
			s.log.Debug("force endpoint failed", zap.Error(err))
		}
	}
}

func (s *Session) cancelTurnLocked() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnSeq++
}

func (s *Session) cancelSpeechLocked() {
	if s.ttsCancel != nil {
		s.ttsCancel()
		s.ttsCancel = nil
	}
	s.ttsSeq++
}

func (s *Session) greetLocked() {
	if s.cfg.Greeting == "" {
		return
	}
	s.send(TextMessage{Type: TypeGreeting, Text: s.cfg.Greeting})
	s.speakLocked(s.cfg.Greeting)
}

// handleTurn starts a turn for a completed utterance, replacing any turn in flight.
func (s *Session) handleTurn(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelTurnLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	seq := s.turnSeq
	s.turnCancel = cancel
	history := slices.Clone(s.messages)
	s.send(TextMessage{Type: TypeTurn, Text: text})
	s.send(Event(TypeThinking))
	s.turns.Add(1)
	s.mu.Unlock()

	s.log.Info("user turn", zap.String("text", text))
	go s.runTurn(ctx, cancel, seq, text, history)
}

func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc, seq uint64, text string, history []llm.Message) {
	defer s.turns.Done()
	defer cancel()

	res, err := RunTurn(ctx, TurnInput{
		UserText: text,
		History:  history,
		Tools:    s.tools,
		Model:    s.model,
		Dispatch: s.dispatchTool,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || seq != s.turnSeq || ctx.Err() != nil {
		s.observeTurn("cancelled")
		return
	}
	s.turnCancel = nil
	if err != nil {
		s.observeTurn("error")
		s.log.Error("turn failed", zap.Error(err))
		s.sendErrorLocked("Chat failed", err)
		return
	}
	s.observeTurn("ok")
	s.messages = res.Messages

	steps := res.Steps
	if steps == nil {
		steps = []string{}
	}
	s.send(ChatMessage{Type: TypeChat, Text: res.Text, Steps: steps})
	if res.Text == "" {
		s.send(Event(TypeTTSDone))
		return
	}
	s.speakLocked(res.Text)
}

func (s *Session) dispatchTool(ctx context.Context, name string, args map[string]any) string {
	if s.dispatch == nil {
		return "Error: no tools available"
	}
	s.log.Debug("tool call", zap.String("tool", name))
	return s.dispatch.Dispatch(ctx, name, args)
}

// speakLocked starts a synthesis relay for text, replacing any relay in flight.
func (s *Session) speakLocked(text string) {
	if s.stopped || s.speaker == nil {
		return
	}
	s.cancelSpeechLocked()
	ctx, cancel := context.WithCancel(s.ctx)
	seq := s.ttsSeq
	s.ttsCancel = cancel
	s.relays.Add(1)
	go s.relay(ctx, cancel, seq, text)
}

func (s *Session) relay(ctx context.Context, cancel context.CancelFunc, seq uint64, text string) {
	defer s.relays.Done()
	defer cancel()

	err := s.speaker.Synthesize(ctx, text, func(pcm []byte) {
		// interrupt bumps ttsSeq under mu, so no chunk follows a cancel
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || seq != s.ttsSeq || ctx.Err() != nil {
			return
		}
		if err := s.transport.SendAudio(pcm); err != nil {
			s.log.Debug("send audio failed", zap.Error(err))
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || seq != s.ttsSeq || ctx.Err() != nil {
		return
	}
	s.ttsCancel = nil
	if err != nil {
		s.log.Error("speech synthesis failed", zap.Error(err))
		s.sendErrorLocked("Speech synthesis failed", err)
		return
	}
	s.send(Event(TypeTTSDone))
}

// connectSTT dials speech recognition and installs the connection.
func (s *Session) connectSTT() error {
	if s.dialSTT == nil {
		return errors.New("speech recognition not configured")
	}
	s.mu.Lock()
	s.sttGen++
	gen := s.sttGen
	s.mu.Unlock()

	conn, err := s.dialSTT(s.ctx, s.cfg.Prompt, s.sttEvents(gen))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped || gen != s.sttGen {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.stt = conn
	s.sttConnectedAt = time.Now()
	s.mu.Unlock()
	s.log.Info("speech recognition connected")
	return nil
}

func (s *Session) sttEvents(gen uint64) transcript.Events {
	return transcript.Events{
		OnTranscript: func(text string, final bool) {
			if s.markHealthy(gen) {
				s.send(TranscriptMessage{Type: TypeTranscript, Text: text, Final: final})
			}
		},
		OnTurn: func(text string) {
			if s.markHealthy(gen) {
				s.handleTurn(text)
			}
		},
		OnError: func(err error) {
			s.log.Warn("speech recognition error", zap.Error(err))
		},
		OnClose: func(code int, reason string) {
			s.mu.Lock()
			if s.stopped || gen != s.sttGen {
				s.mu.Unlock()
				return
			}
			s.stt = nil
			if time.Since(s.sttConnectedAt) >= sttStableAfter {
				s.sttFailures = 0
			}
			s.bg.Add(1)
			s.mu.Unlock()
			s.log.Warn("speech recognition disconnected, reconnecting",
				zap.Int("code", code), zap.String("reason", reason))
			go func() {
				defer s.bg.Done()
				s.reconnectSTT()
			}()
		},
	}
}

// markHealthy reports whether gen is the live connection. A connection that
// delivers speech clears the reconnect failure count.
func (s *Session) markHealthy(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.sttGen {
		return false
	}
	s.sttFailures = 0
	return true
}

// reconnectSTT retries with a token bucket and gives up after maxSTTReconnects consecutive failures.
func (s *Session) reconnectSTT() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.sttFailures++
		attempt := s.sttFailures
		s.mu.Unlock()

		if attempt > maxSTTReconnects {
			s.log.Error("speech recognition reconnect abandoned", zap.Int("attempts", attempt-1))
			s.sendError("Speech recognition disconnected", errors.New("reconnect attempts exhausted"))
			return
		}
		if err := s.reconnect.Wait(s.ctx); err != nil {
			return
		}
		if s.observer != nil {
			s.observer.ObserveSTTReconnect()
		}
		err := s.connectSTT()
		if err == nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("speech recognition reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (s *Session) observeTurn(outcome string) {
	if s.observer != nil {
		s.observer.ObserveTurn(outcome)
	}
}

func (s *Session) send(msg any) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.log.Debug("send failed", zap.Error(err))
	}
}

func (s *Session) sendError(message string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.sendErrorLocked(message, err)
}

func (s *Session) sendErrorLocked(message string, err error) {
	msg := ErrorMessage{Type: TypeError, Message: message}
	if err != nil {
		msg.Details = err.Error()
	}
	s.send(msg)
}
