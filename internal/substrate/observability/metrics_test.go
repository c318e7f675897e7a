package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers against the default Prometheus registry, so tests
// build isolated collectors instead of calling it directly, the same
// convention the teacher's own metrics_test.go follows.

func TestRecordLLMRequestIncrementsCounterAndTokens(t *testing.T) {
	registry := prometheus.NewRegistry()
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_llm_duration_seconds"}, []string{"provider", "model"})
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_requests_total"}, []string{"provider", "model", "status"})
	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_tokens_total"}, []string{"provider", "model", "type"})
	registry.MustRegister(duration, counter, tokens)

	m := &Metrics{LLMRequestDuration: duration, LLMRequestCounter: counter, LLMTokensUsed: tokens}
	m.RecordLLMRequest("anthropic", "claude", "success", 1.5, 100, 50)

	if count := testutil.CollectAndCount(counter); count != 1 {
		t.Fatalf("got %d label combinations, want 1", count)
	}
	if got := testutil.ToFloat64(tokens.WithLabelValues("anthropic", "claude", "prompt")); got != 100 {
		t.Fatalf("got prompt tokens %v, want 100", got)
	}
	if got := testutil.ToFloat64(tokens.WithLabelValues("anthropic", "claude", "completion")); got != 50 {
		t.Fatalf("got completion tokens %v, want 50", got)
	}
}

func TestRecordToolExecutionIncrementsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_tool_duration_seconds"}, []string{"tool_name"})
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_tool_total"}, []string{"tool_name", "status"})
	registry.MustRegister(duration, counter)

	m := &Metrics{ToolExecutionDuration: duration, ToolExecutionCounter: counter}
	m.RecordToolExecution("web_search", "success", 0.25)

	if got := testutil.ToFloat64(counter.WithLabelValues("web_search", "success")); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
}

func TestSetSchedulerSnapshotSetsGaugePerStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_agents_by_status"}, []string{"status"})
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_scheduler_steps_total"}, []string{"outcome"})
	registry.MustRegister(gauge, steps)

	m := &Metrics{AgentsByStatus: gauge, SchedulerSteps: steps}
	m.SetSchedulerSnapshot(map[string]int{"idle": 3, "ready": 1})

	if got := testutil.ToFloat64(gauge.WithLabelValues("idle")); got != 3 {
		t.Fatalf("got idle=%v, want 3", got)
	}
	if got := testutil.ToFloat64(gauge.WithLabelValues("ready")); got != 1 {
		t.Fatalf("got ready=%v, want 1", got)
	}
	if got := testutil.ToFloat64(steps.WithLabelValues("advanced")); got != 1 {
		t.Fatalf("got advanced steps=%v, want 1", got)
	}
}

func TestRecordCancellationIncrementsReasonCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cancellations_total"}, []string{"reason"})
	registry.MustRegister(counter)

	m := &Metrics{CancellationsTotal: counter}
	m.RecordCancellation("edit")
	m.RecordCancellation("edit")

	if got := testutil.ToFloat64(counter.WithLabelValues("edit")); got != 2 {
		t.Fatalf("got %v, want 2", got)
	}
}
