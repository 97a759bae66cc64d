package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
)

// Deps are the handlers and data the routes expose.
type Deps struct {
	Agent    agent.Config
	Sessions http.Handler
	Metrics  http.Handler
	Log      *zap.Logger
}

// agentInfo is the public view of the agent; webhook endpoints stay private.
type agentInfo struct {
	Greeting     string     `json:"greeting"`
	Voice        string     `json:"voice,omitempty"`
	BuiltinTools []string   `json:"builtinTools"`
	Tools        []toolInfo `json:"tools"`
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// New constructs the HTTP server with routes.
func New(d Deps) *echo.Echo {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := NewEcho(log.With(zap.String("component", "http")))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	info := agentInfo{
		Greeting:     d.Agent.Greeting,
		Voice:        d.Agent.Voice,
		BuiltinTools: append([]string{}, d.Agent.BuiltinTools...),
		Tools:        make([]toolInfo, 0, len(d.Agent.Tools)),
	}
	for _, t := range d.Agent.Tools {
		info.Tools = append(info.Tools, toolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	e.GET("/agent", func(c echo.Context) error {
		return c.JSON(http.StatusOK, info)
	}, middleware.CORS())

	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}
	if d.Sessions != nil {
		e.GET("/session", echo.WrapHandler(d.Sessions))
	}
	return e
}
