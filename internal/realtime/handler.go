package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chadiek/voice-agent/internal/agent"
)

const (
	maxFrameBytes = 1 << 20
	controlQueue  = 64

	// malformed or unknown frames per second tolerated before the socket is closed
	invalidRate  = 5
	invalidBurst = 20
)

// Engine is the per-connection conversation driven by a client socket.
type Engine interface {
	Start()
	OnAudioReady()
	OnAudio(pcm []byte)
	OnCancel()
	OnReset()
	Stop()
}

// EngineFactory builds the engine for a new connection. It may block while
// upstream clients are prepared.
type EngineFactory func(ctx context.Context, id string, t agent.Transport) (Engine, error)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// browsers on any origin may connect; use Password to restrict access
		return true
	},
}

// Handler upgrades browser connections and binds each one to an Engine.
type Handler struct {
	newEngine EngineFactory
	tracker   *Tracker
	log       *zap.Logger

	// Password, when set, must be presented as a bearer token or ?password=.
	Password string
}

// NewHandler returns a handler that builds one engine per connection with factory.
func NewHandler(factory EngineFactory, tracker *Tracker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{newEngine: factory, tracker: tracker, log: log.With(zap.String("component", "realtime"))}
}

// ServeHTTP runs one session for the lifetime of the websocket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Password != "" && !checkAuthHeaderOrQuery(r, h.Password) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	log := h.log.With(zap.String("session_id", id))
	tr := newWSTransport(conn)
	defer func() { _ = tr.Close() }()

	unregister := h.tracker.Register(id, func() { _ = tr.Close() })
	defer unregister()

	log.Info("client connected", zap.String("remote", r.RemoteAddr))
	c := &connection{
		transport: tr,
		log:       log,
		limiter:   rate.NewLimiter(invalidRate, invalidBurst),
		queue:     make(chan string, controlQueue),
	}
	c.run(r.Context(), conn, func(ctx context.Context) (Engine, error) {
		return h.newEngine(ctx, id, tr)
	})
	log.Info("client disconnected")
}

// connection sequences inbound frames for one socket. Frames that arrive before
// the engine is ready are held and replayed in order, except pings which are
// answered at once.
type connection struct {
	transport *wsTransport
	log       *zap.Logger
	limiter   *rate.Limiter

	mu      sync.Mutex
	ready   bool
	closed  bool
	pending []string
	queue   chan string

	engine Engine
}

func (c *connection) run(ctx context.Context, conn *websocket.Conn, build func(context.Context) (Engine, error)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.startEngine(ctx, build)
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.work()
	}()

	c.read(conn)

	cancel()
	wg.Wait()
	c.mu.Lock()
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	<-workerDone

	if c.engine != nil {
		c.engine.Stop()
	}
}

func (c *connection) startEngine(ctx context.Context, build func(context.Context) (Engine, error)) {
	engine, err := build(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("session setup failed", zap.Error(err))
			_ = c.transport.Send(agent.ErrorMessage{Type: agent.TypeError, Message: "Session setup failed", Details: err.Error()})
			_ = c.transport.Close()
		}
		return
	}
	c.engine = engine
	if ctx.Err() != nil {
		return
	}
	engine.Start()
	c.markReady()
}

// markReady replays held control frames onto the worker queue.
func (c *connection) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ready = true
	for _, kind := range c.pending {
		c.queue <- kind
	}
	c.pending = nil
}

func (c *connection) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *connection) enqueue(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.ready {
		c.pending = append(c.pending, kind)
		return
	}
	c.queue <- kind
}

// work runs control frames one at a time in arrival order.
func (c *connection) work() {
	for kind := range c.queue {
		switch kind {
		case agent.TypeAudioReady:
			c.engine.OnAudioReady()
		case agent.TypeCancel:
			c.engine.OnCancel()
		case agent.TypeReset:
			c.engine.OnReset()
		}
	}
}

func (c *connection) read(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("ws read ended", zap.Error(err))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			// microphone audio is only meaningful once the engine runs
			if c.isReady() {
				c.engine.OnAudio(data)
			}
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

// handleText routes one control frame. Recognized frames are never limited;
// a flood of malformed or unknown frames closes the socket.
func (c *connection) handleText(data []byte) {
	var msg agent.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("malformed control frame", zap.Error(err))
		c.rejectInvalid()
		return
	}
	switch msg.Type {
	case agent.TypePing:
		if err := c.transport.Send(agent.Event(agent.TypePong)); err != nil {
			c.log.Debug("pong failed", zap.Error(err))
		}
	case agent.TypeAudioReady, agent.TypeCancel, agent.TypeReset:
		c.enqueue(msg.Type)
	default:
		c.log.Debug("unknown control frame", zap.String("type", msg.Type))
		c.rejectInvalid()
	}
}

func (c *connection) rejectInvalid() {
	if c.limiter.Allow() {
		return
	}
	c.log.Warn("too many invalid control frames, closing")
	_ = c.transport.Send(agent.ErrorMessage{Type: agent.TypeError, Message: "Too many invalid messages"})
	_ = c.transport.Close()
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	return r.Header.Get("X-Auth-Token") == password
}

// Shutdown asks every live connection to close and waits up to the ctx deadline.
func (h *Handler) Shutdown(ctx context.Context) bool {
	n := h.tracker.CancelAll()
	if n > 0 {
		h.log.Info("closing live sessions", zap.Int("count", n))
	}
	return h.tracker.Wait(ctx)
}
