// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and decorator helpers that wrap the core's llm.Dispatcher and
// scheduler.ToolExecutor ports without changing either package, grounded on
// internal/observability/metrics.go and internal/observability/tracing.go.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the Prometheus collectors exposed by a substrate
// process. Unlike the teacher's channel-centric Metrics (messages by
// channel/direction, HTTP routes, database queries), these track the
// cooperative scheduler's own ports: agent status, LLM dispatch, tool
// execution, the message bus, and cancellation.
type Metrics struct {
	// AgentsByStatus tracks how many agents currently sit in each
	// scheduler.Status.
	AgentsByStatus *prometheus.GaugeVec

	// SchedulerSteps counts completed scheduler loop iterations by
	// outcome (advanced|idle).
	SchedulerSteps *prometheus.CounterVec

	// LLMRequestDuration measures dispatcher.Chat latency in seconds.
	// Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts Chat calls by provider, model, and status
	// (success|error).
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks prompt/completion token counts.
	// Labels: provider, model, type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionDuration measures ExecuteToolCall latency in seconds.
	// Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool calls by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// BusQueueDepth tracks pending messages on the bus at sample time.
	BusQueueDepth prometheus.Gauge

	// CancellationsTotal counts epoch cancellations by reason (the control
	// service's Abort records "explicit").
	CancellationsTotal *prometheus.CounterVec

	// BridgeMessagesTotal counts chat-bridge deliveries by platform and
	// direction (outbound|outbound_failed); inbound messages are not counted.
	BridgeMessagesTotal *prometheus.CounterVec

	// CronJobRuns counts cron executions by job id and status
	// (success|error).
	CronJobRuns *prometheus.CounterVec

	// GRPCRequestDuration measures control-service RPC latency.
	// Labels: method, status.
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector against the default Prometheus
// registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		AgentsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "substrate_agents_by_status",
				Help: "Current number of agents in each scheduler status",
			},
			[]string{"status"},
		),
		SchedulerSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_scheduler_steps_total",
				Help: "Total number of scheduler loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "substrate_llm_request_duration_seconds",
				Help:    "Duration of LLM dispatch calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_llm_requests_total",
				Help: "Total number of LLM dispatch calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_llm_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "substrate_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		BusQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "substrate_bus_queue_depth",
				Help: "Current number of messages pending on the message bus",
			},
		),
		CancellationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_cancellations_total",
				Help: "Total number of epoch cancellations by reason",
			},
			[]string{"reason"},
		),
		BridgeMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_bridge_messages_total",
				Help: "Total number of chat-bridge messages by platform and direction",
			},
			[]string{"platform", "direction"},
		),
		CronJobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "substrate_cron_job_runs_total",
				Help: "Total number of cron job executions by job id and status",
			},
			[]string{"job_id", "status"},
		),
		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "substrate_grpc_request_duration_seconds",
				Help:    "Duration of control-service RPCs in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordLLMRequest records one completed dispatcher.Chat call.
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

// RecordToolExecution records one completed tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCancellation increments the cancellation counter for reason.
func (m *Metrics) RecordCancellation(reason string) {
	m.CancellationsTotal.WithLabelValues(reason).Inc()
}

// RecordBridgeMessage records one chat-bridge message.
func (m *Metrics) RecordBridgeMessage(platform, direction string) {
	m.BridgeMessagesTotal.WithLabelValues(platform, direction).Inc()
}

// RecordCronJobRun records one completed cron job execution.
func (m *Metrics) RecordCronJobRun(jobID, status string) {
	m.CronJobRuns.WithLabelValues(jobID, status).Inc()
}

// RecordGRPCRequest records one completed control-service RPC.
func (m *Metrics) RecordGRPCRequest(method, status string, durationSeconds float64) {
	m.GRPCRequestDuration.WithLabelValues(method, status).Observe(durationSeconds)
}

// SetSchedulerSnapshot updates the per-status agent gauge from a snapshot
// map produced by the caller (e.g. iterating org.Store.ListAgents against
// scheduler state), and records one SchedulerSteps observation: "advanced"
// if any agent is off the idle/terminating statuses, "idle" otherwise. The
// cooperative loop's own advanced/idle return from RunOnce isn't observable
// from outside the scheduler package, so this is a coarse sampled proxy.
func (m *Metrics) SetSchedulerSnapshot(counts map[string]int) {
	for status, count := range counts {
		m.AgentsByStatus.WithLabelValues(status).Set(float64(count))
	}

	outcome := "idle"
	for status, count := range counts {
		if count > 0 && status != "idle" && status != "terminating" {
			outcome = "advanced"
			break
		}
	}
	m.SchedulerSteps.WithLabelValues(outcome).Inc()
}
