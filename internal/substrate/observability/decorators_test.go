package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/cron"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

type fakeDispatcher struct {
	result llm.ChatResult
	err    error
}

func (f *fakeDispatcher) Chat(ctx context.Context, request turn.LlmRequest) (llm.ChatResult, error) {
	return f.result, f.err
}

func (f *fakeDispatcher) Abort(agentID string) bool { return true }

func newTestMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		LLMRequestDuration:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_llm_duration"}, []string{"provider", "model"}),
		LLMRequestCounter:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_requests"}, []string{"provider", "model", "status"}),
		LLMTokensUsed:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_tokens"}, []string{"provider", "model", "type"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_tool_duration"}, []string{"tool_name"}),
		ToolExecutionCounter:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_tool_total"}, []string{"tool_name", "status"}),
	}
	registry.MustRegister(m.LLMRequestDuration, m.LLMRequestCounter, m.LLMTokensUsed, m.ToolExecutionDuration, m.ToolExecutionCounter)
	return m, registry
}

func TestTraceDispatcherRecordsSuccess(t *testing.T) {
	metrics, _ := newTestMetrics()
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	next := &fakeDispatcher{result: llm.ChatResult{
		Content: "hi",
		Usage:   &society.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
	dispatcher := TraceDispatcher(next, "anthropic", metrics, tracer)

	result, err := dispatcher.Chat(context.Background(), turn.LlmRequest{Meta: map[string]any{"model": "claude"}})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if result.Content != "hi" {
		t.Fatalf("got content %q, want %q", result.Content, "hi")
	}
	if got := testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("anthropic", "claude", "success")); got != 1 {
		t.Fatalf("got request count %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("anthropic", "claude", "prompt")); got != 10 {
		t.Fatalf("got prompt tokens %v, want 10", got)
	}
}

func TestTraceDispatcherRecordsErrorStatus(t *testing.T) {
	metrics, _ := newTestMetrics()
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	next := &fakeDispatcher{err: errors.New("upstream failure")}
	dispatcher := TraceDispatcher(next, "openai", metrics, tracer)

	if _, err := dispatcher.Chat(context.Background(), turn.LlmRequest{}); err == nil {
		t.Fatal("expected the wrapped error to propagate")
	}
	if got := testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("openai", "unknown", "error")); got != 1 {
		t.Fatalf("got error count %v, want 1", got)
	}
}

func TestTraceDispatcherAbortDelegates(t *testing.T) {
	metrics, _ := newTestMetrics()
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	dispatcher := TraceDispatcher(&fakeDispatcher{}, "anthropic", metrics, tracer)
	if !dispatcher.Abort("agent-1") {
		t.Fatal("expected Abort to delegate and return true")
	}
}

type fakeToolExecutor struct {
	result json.RawMessage
	err    error
}

func (f *fakeToolExecutor) ExecuteToolCall(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	return f.result, f.err
}

func TestTraceToolExecutorRecordsDuration(t *testing.T) {
	metrics, _ := newTestMetrics()
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	next := &fakeToolExecutor{result: json.RawMessage(`{"ok":true}`)}
	executor := TraceToolExecutor(next, metrics, tracer)

	result, err := executor.ExecuteToolCall(context.Background(), "web_search", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ExecuteToolCall returned error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("got result %s, want %s", result, `{"ok":true}`)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("web_search", "success")); got != 1 {
		t.Fatalf("got tool execution count %v, want 1", got)
	}
}

type fakeOutbound struct {
	err error
}

func (f *fakeOutbound) Send(ctx context.Context, chatID, text string) error {
	return f.err
}

func TestTraceOutboundRecordsSuccessAndFailure(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_bridge_messages_total"}, []string{"platform", "direction"})
	metrics := &Metrics{BridgeMessagesTotal: counter}

	ok := TraceOutbound(&fakeOutbound{}, "discord", metrics)
	if err := ok.Send(context.Background(), "chat-1", "hi"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("discord", "outbound")); got != 1 {
		t.Fatalf("got outbound count %v, want 1", got)
	}

	failing := TraceOutbound(&fakeOutbound{err: errors.New("delivery failed")}, "discord", metrics)
	if err := failing.Send(context.Background(), "chat-1", "hi"); err == nil {
		t.Fatal("expected the wrapped error to propagate")
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("discord", "outbound_failed")); got != 1 {
		t.Fatalf("got outbound_failed count %v, want 1", got)
	}
}

type fakeAgentRunner struct {
	err error
}

func (f *fakeAgentRunner) Run(ctx context.Context, job *cron.Job) error {
	return f.err
}

func TestTraceAgentRunnerRecordsJobRun(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cron_job_runs_total"}, []string{"job_id", "status"})
	metrics := &Metrics{CronJobRuns: counter}

	runner := TraceAgentRunner(&fakeAgentRunner{}, metrics)
	if err := runner.Run(context.Background(), &cron.Job{ID: "job-1"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("job-1", "success")); got != 1 {
		t.Fatalf("got job run count %v, want 1", got)
	}
}

type fakeMessageSender struct {
	err error
}

func (f *fakeMessageSender) Send(ctx context.Context, message *config.CronMessageConfig) error {
	return f.err
}

func TestTraceMessageSenderRecordsJobRun(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cron_job_runs_total_2"}, []string{"job_id", "status"})
	metrics := &Metrics{CronJobRuns: counter}

	sender := TraceMessageSender(&fakeMessageSender{err: errors.New("send failed")}, metrics)
	if err := sender.Send(context.Background(), &config.CronMessageConfig{Channel: "ops"}); err == nil {
		t.Fatal("expected the wrapped error to propagate")
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("ops", "error")); got != 1 {
		t.Fatalf("got job run count %v, want 1", got)
	}
}
