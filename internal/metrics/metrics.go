// Package metrics exposes the agent's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the observer hooks of the llm, tts, tools and agent packages.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	TurnsTotal     *prometheus.CounterVec
	LLMRequests    *prometheus.CounterVec
	LLMDuration    *prometheus.HistogramVec
	ToolCalls      *prometheus.CounterVec
	TTSUtterances  *prometheus.CounterVec
	STTReconnects  prometheus.Counter
}

// New registers every metric under namespace, "voiceagent" when empty.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voiceagent"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected voice sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total voice sessions started",
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed conversational turns by outcome",
		}, []string{"outcome"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Chat completion requests by model and status",
		}, []string{"model", "status"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Chat completion latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"model"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		TTSUtterances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_utterances_total",
			Help:      "Synthesized utterances by outcome",
		}, []string{"outcome"}),
		STTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reconnects_total",
			Help:      "Speech recognition reconnect attempts",
		}),
	}
	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.TurnsTotal,
		m.LLMRequests,
		m.LLMDuration,
		m.ToolCalls,
		m.TTSUtterances,
		m.STTReconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted counts a new session; call the returned func when it ends.
func (m *Metrics) SessionStarted() (ended func()) {
	if m == nil {
		return func() {}
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
	return m.SessionsActive.Dec
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSTTReconnect() {
	if m == nil {
		return
	}
	m.STTReconnects.Inc()
}

func (m *Metrics) ObserveLLMRequest(model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(model, status).Inc()
	m.LLMDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) ObserveToolCall(name, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) ObserveTTSUtterance(outcome string) {
	if m == nil {
		return
	}
	m.TTSUtterances.WithLabelValues(outcome).Inc()
}
