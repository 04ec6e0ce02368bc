package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "causal_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "causal_http_requests_in_flight",
		Help: "HTTP requests being served, including open streams and websockets",
	})

	TurnsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "causal_turns_active",
		Help: "Number of conversation turns currently running",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_turns_total",
		Help: "Finished conversation turns",
	}, []string{"kind", "outcome"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "causal_turn_duration_seconds",
		Help:    "Wall time of a whole turn",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_rounds_total",
		Help: "Provider rounds by transport mode and outcome",
	}, []string{"mode", "outcome"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_tokens_total",
		Help: "Tokens reported by providers",
	}, []string{"type"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"provider", "mode", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "causal_llm_request_duration_seconds",
		Help:    "Time until the provider answered (first byte for streams)",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider", "mode"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "causal_circuit_breaker_state",
		Help: "0 closed, 1 open, 2 half open",
	}, []string{"name"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_tool_calls_total",
		Help: "Tool invocations by tool and status",
	}, []string{"tool", "status"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "causal_tool_call_duration_seconds",
		Help:    "Tool invocation duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})

	ToolInitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_tool_init_failures_total",
		Help: "Tool backends that failed to start",
	}, []string{"kind"})

	PersistenceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "causal_persistence_errors_total",
		Help: "Failed store writes and transactions by operation",
	}, []string{"op"})
)
