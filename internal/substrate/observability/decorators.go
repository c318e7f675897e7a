package observability

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/cron"
	"github.com/agentsociety/substrate/internal/substrate/bridge"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/scheduler"
	"github.com/agentsociety/substrate/internal/substrate/turn"
)

// tracedDispatcher wraps an llm.Dispatcher with metrics and tracing
// without touching the dispatcher's own implementation, mirroring the
// teacher's middleware-over-interface pattern rather than threading
// instrumentation calls through llmproviders itself.
type tracedDispatcher struct {
	next     llm.Dispatcher
	provider string
	metrics  *Metrics
	tracer   *Tracer
}

// TraceDispatcher wraps next so every Chat call is measured and traced
// under the given provider label.
func TraceDispatcher(next llm.Dispatcher, provider string, metrics *Metrics, tracer *Tracer) llm.Dispatcher {
	return &tracedDispatcher{next: next, provider: provider, metrics: metrics, tracer: tracer}
}

func (d *tracedDispatcher) Chat(ctx context.Context, request turn.LlmRequest) (llm.ChatResult, error) {
	model, _ := request.Meta["model"].(string)
	if model == "" {
		model = "unknown"
	}

	ctx, span := d.tracer.Start(ctx, "llm.chat",
		attribute.String("llm.provider", d.provider),
		attribute.String("llm.model", model),
	)
	defer span.End()

	start := time.Now()
	result, err := d.next.Chat(ctx, request)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		d.tracer.RecordError(span, err)
	}

	prompt, completion := 0, 0
	if result.Usage != nil {
		prompt, completion = result.Usage.PromptTokens, result.Usage.CompletionTokens
	}
	d.metrics.RecordLLMRequest(d.provider, model, status, duration, prompt, completion)

	return result, err
}

func (d *tracedDispatcher) Abort(agentID string) bool {
	return d.next.Abort(agentID)
}

// tracedToolExecutor wraps a scheduler.ToolExecutor with metrics and
// tracing, grounded on the same middleware-over-interface shape as
// tracedDispatcher.
type tracedToolExecutor struct {
	next    scheduler.ToolExecutor
	metrics *Metrics
	tracer  *Tracer
}

// TraceToolExecutor wraps next so every ExecuteToolCall is measured and
// traced.
func TraceToolExecutor(next scheduler.ToolExecutor, metrics *Metrics, tracer *Tracer) scheduler.ToolExecutor {
	return &tracedToolExecutor{next: next, metrics: metrics, tracer: tracer}
}

func (t *tracedToolExecutor) ExecuteToolCall(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	ctx, span := t.tracer.Start(ctx, "tool.execute", attribute.String("tool.name", toolName))
	defer span.End()

	start := time.Now()
	result, err := t.next.ExecuteToolCall(ctx, toolName, args)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		t.tracer.RecordError(span, err)
	}
	t.metrics.RecordToolExecution(toolName, status, duration)

	return result, err
}

// tracedOutbound wraps a bridge.Outbound so every delivery attempt is
// counted by platform and direction, following the same
// middleware-over-interface shape as tracedDispatcher.
type tracedOutbound struct {
	next     bridge.Outbound
	platform string
	metrics  *Metrics
}

// TraceOutbound wraps next so Send calls are recorded under platform.
func TraceOutbound(next bridge.Outbound, platform string, metrics *Metrics) bridge.Outbound {
	return &tracedOutbound{next: next, platform: platform, metrics: metrics}
}

func (o *tracedOutbound) Send(ctx context.Context, chatID, text string) error {
	err := o.next.Send(ctx, chatID, text)
	direction := "outbound"
	if err != nil {
		direction = "outbound_failed"
	}
	o.metrics.RecordBridgeMessage(o.platform, direction)
	return err
}

// tracedAgentRunner wraps a cron.AgentRunner so every run is counted by
// job id and outcome.
type tracedAgentRunner struct {
	next    cron.AgentRunner
	metrics *Metrics
}

// TraceAgentRunner wraps next so Run calls are recorded per job.
func TraceAgentRunner(next cron.AgentRunner, metrics *Metrics) cron.AgentRunner {
	return &tracedAgentRunner{next: next, metrics: metrics}
}

func (r *tracedAgentRunner) Run(ctx context.Context, job *cron.Job) error {
	err := r.next.Run(ctx, job)
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordCronJobRun(job.ID, status)
	return err
}

// tracedMessageSender wraps a cron.MessageSender so every send is counted
// by the message's channel name and outcome.
type tracedMessageSender struct {
	next    cron.MessageSender
	metrics *Metrics
}

// TraceMessageSender wraps next so Send calls are recorded per channel.
func TraceMessageSender(next cron.MessageSender, metrics *Metrics) cron.MessageSender {
	return &tracedMessageSender{next: next, metrics: metrics}
}

func (s *tracedMessageSender) Send(ctx context.Context, message *config.CronMessageConfig) error {
	err := s.next.Send(ctx, message)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordCronJobRun(message.Channel, status)
	return err
}
