package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM provider request performance, token usage, and error rates
//   - Tool dispatch outcomes and latencies (server-side and client round trip)
//   - Active WebSocket connections and session lifetimes
//   - Session-store query performance
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ConnectionOpened()
//	defer metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success", elapsed, 100, 500)
type Metrics struct {
	// LLMRequestDuration measures provider.Run latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider.Run calls by provider, model, status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches by tool name and status
	// (success|error|timeout|ghosted).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch latency in seconds,
	// including the client round trip for client-side tools.
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (orchestrator|dispatcher|server|storage), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveConnections is a gauge of currently open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// SessionDuration measures a connection's lifetime in seconds.
	SessionDuration prometheus.Histogram

	// TurnsPerMessage measures how many provider turns one user_message drove.
	TurnsPerMessage prometheus.Histogram

	// DatabaseQueryDuration measures session-store query latency in seconds.
	// Labels: operation (get|save|append_message|delete), status
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. This should be
// called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbridge_llm_request_duration_seconds",
				Help:    "Duration of LLM provider Run calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_llm_requests_total",
				Help: "Total number of LLM provider Run calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbridge_tool_dispatch_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbridge_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentbridge_active_connections",
				Help: "Current number of open WebSocket connections",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentbridge_connection_duration_seconds",
				Help:    "Duration of a WebSocket connection's lifetime in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 7200},
			},
		),

		TurnsPerMessage: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentbridge_turns_per_message",
				Help:    "Number of provider turns one user_message drove",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbridge_store_query_duration_seconds",
				Help:    "Duration of session-store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordLLMRequest records metrics for one provider.Run call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// ConnectionOpened increments the active-connections gauge.
func (m *Metrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active-connections gauge and records the
// connection's lifetime.
func (m *Metrics) ConnectionClosed(durationSeconds float64) {
	m.ActiveConnections.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTurns records how many provider turns a single user_message drove.
func (m *Metrics) RecordTurns(turns int) {
	m.TurnsPerMessage.Observe(float64(turns))
}

// RecordStoreQuery records metrics for a session-store operation.
func (m *Metrics) RecordStoreQuery(operation, status string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, status).Observe(durationSeconds)
}
