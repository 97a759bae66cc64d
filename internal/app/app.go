// Package app wires configuration into the running voice agent server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/httpserver"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/realtime"
	"github.com/chadiek/voice-agent/internal/tools"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

// App owns the process-wide collaborators shared by every session.
type App struct {
	cfg     config.Config
	agent   agent.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	model    *llm.Client
	tools    *tools.Dispatcher
	tracker  *realtime.Tracker
	sessions *realtime.Handler
	router   *echo.Echo
}

// New builds the server from cfg. The agent definition is read from cfg.AgentFile when set.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	agentCfg := agent.DefaultConfig()
	if cfg.AgentFile != "" {
		loaded, err := agent.LoadFile(cfg.AgentFile)
		if err != nil {
			return nil, err
		}
		agentCfg = loaded
	}

	exec, err := newExecutor(cfg, agentCfg, log)
	if err != nil {
		return nil, err
	}
	builtins, err := tools.LookupBuiltins(agentCfg.BuiltinTools)
	if err != nil {
		_ = exec.Close()
		return nil, err
	}

	m := metrics.New("voiceagent")
	dispatcher := tools.NewDispatcher(exec, builtins, log).WithTimeout(cfg.ToolTimeout)
	dispatcher.Observer = m

	model := llm.NewClient(cfg.LLMAPIKey, cfg.LLMModel, log)
	model.BaseURL = cfg.LLMBaseURL
	model.Observer = m

	a := &App{
		cfg:     cfg,
		agent:   agentCfg,
		log:     log,
		metrics: m,
		model:   model,
		tools:   dispatcher,
		tracker: realtime.NewTracker(),
	}
	a.sessions = realtime.NewHandler(a.newEngine, a.tracker, log)
	a.sessions.Password = cfg.AuthPassword
	a.router = httpserver.New(httpserver.Deps{
		Agent:    agentCfg,
		Sessions: a.sessions,
		Metrics:  m.Handler(),
		Log:      log,
	})

	log.Info("agent loaded",
		zap.String("voice", agentCfg.Voice),
		zap.Int("tools", len(dispatcher.Schemas(agentCfg.Schemas()))),
		zap.String("tool_backend", cfg.ToolBackend))
	return a, nil
}

func newExecutor(cfg config.Config, agentCfg agent.Config, log *zap.Logger) (tools.Executor, error) {
	if cfg.ToolBackend == config.ToolBackendRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return tools.NewRedisExecutor(client, cfg.RedisQueue, cfg.ToolTimeout, log), nil
	}
	exec := tools.NewLocalExecutor(cfg.ToolConcurrency, log)
	if err := agentCfg.RegisterWebhooks(exec); err != nil {
		_ = exec.Close()
		return nil, err
	}
	return exec, nil
}

// Router serves every HTTP route.
func (a *App) Router() http.Handler { return a.router }

// Sessions reports live sessions.
func (a *App) Sessions() int { return a.tracker.Count() }

// newEngine builds one session. The speech client starts warming at once.
func (a *App) newEngine(ctx context.Context, id string, t agent.Transport) (realtime.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ttsCfg := tts.DefaultConfig(a.cfg.AssemblyAIKey, a.agent.Voice)
	if a.cfg.TTSURL != "" {
		ttsCfg.URL = a.cfg.TTSURL
	}
	speaker := tts.NewClient(ttsCfg, a.log.With(zap.String("session_id", id)))
	speaker.Observer = a.metrics

	sess := agent.NewSession(agent.Options{
		ID:        id,
		Config:    a.agent,
		Model:     a.model,
		Tools:     a.tools,
		DialSTT:   a.dialSTT,
		Speaker:   speaker,
		Transport: t,
		Observer:  a.metrics,
		Log:       a.log,
	})
	return &meteredEngine{Session: sess, ended: a.metrics.SessionStarted()}, nil
}

func (a *App) dialSTT(ctx context.Context, prompt string, ev transcript.Events) (agent.Transcriber, error) {
	cfg := transcript.DefaultConfig(a.cfg.AssemblyAIKey)
	if a.cfg.STTURL != "" {
		cfg.URL = a.cfg.STTURL
	}
	cfg.Prompt = prompt
	conn, err := transcript.Connect(ctx, cfg, ev, a.log)
	if err != nil {
		return nil, fmt.Errorf("stt connect: %w", err)
	}
	return conn, nil
}

// Shutdown closes every live session, then releases the tool backend.
func (a *App) Shutdown(ctx context.Context) error {
	if !a.sessions.Shutdown(ctx) {
		a.log.Warn("sessions still open at shutdown", zap.Int("count", a.tracker.Count()))
	}
	return a.tools.Close()
}

type meteredEngine struct {
	*agent.Session
	ended func()
	once  sync.Once
}

func (e *meteredEngine) Stop() {
	e.Session.Stop()
	e.once.Do(e.ended)
}
