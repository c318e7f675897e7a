package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentsociety/substrate/internal/substrate/observability"
	"github.com/agentsociety/substrate/pkg/society"
)

type fakeScheduler struct {
	submittedText, submittedTaskID string
	sentTo, sentText, sentTaskID   string
	abortedAgentID                 string
	returnTaskID                   string
}

func (f *fakeScheduler) SubmitRequirement(text, taskID string) string {
	f.submittedText, f.submittedTaskID = text, taskID
	if f.returnTaskID != "" {
		return f.returnTaskID
	}
	return taskID
}

func (f *fakeScheduler) SendText(to, text, taskID string) {
	f.sentTo, f.sentText, f.sentTaskID = to, text, taskID
}

func (f *fakeScheduler) Abort(agentID string) {
	f.abortedAgentID = agentID
}

func TestServiceSubmitRequirementDelegatesAndEchoesTaskID(t *testing.T) {
	sched := &fakeScheduler{returnTaskID: "task-1"}
	svc := NewService(sched, NewBroadcaster(), nil)

	resp, err := svc.SubmitRequirement(context.Background(), &SubmitRequirementRequest{Text: "build the thing"})
	if err != nil {
		t.Fatalf("SubmitRequirement returned error: %v", err)
	}
	if resp.TaskID != "task-1" {
		t.Fatalf("got taskID %q, want %q", resp.TaskID, "task-1")
	}
	if sched.submittedText != "build the thing" {
		t.Fatalf("scheduler did not receive submitted text: %q", sched.submittedText)
	}
}

func TestServiceSubmitRequirementRejectsEmptyText(t *testing.T) {
	svc := NewService(&fakeScheduler{}, NewBroadcaster(), nil)
	if _, err := svc.SubmitRequirement(context.Background(), &SubmitRequirementRequest{}); err == nil {
		t.Fatal("expected an error for empty text")
	}
}

func TestServiceSendTextDelegates(t *testing.T) {
	sched := &fakeScheduler{}
	svc := NewService(sched, NewBroadcaster(), nil)

	if _, err := svc.SendText(context.Background(), &SendTextRequest{To: "agent-2", Text: "hello", TaskID: "t-1"}); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if sched.sentTo != "agent-2" || sched.sentText != "hello" || sched.sentTaskID != "t-1" {
		t.Fatalf("unexpected delegate call: %+v", sched)
	}
}

func TestServiceSendTextRejectsMissingFields(t *testing.T) {
	svc := NewService(&fakeScheduler{}, NewBroadcaster(), nil)
	if _, err := svc.SendText(context.Background(), &SendTextRequest{To: "agent-2"}); err == nil {
		t.Fatal("expected an error for missing text")
	}
}

func TestServiceAbortDelegates(t *testing.T) {
	sched := &fakeScheduler{}
	svc := NewService(sched, NewBroadcaster(), nil)

	if _, err := svc.Abort(context.Background(), &AbortRequest{AgentID: "agent-9"}); err != nil {
		t.Fatalf("Abort returned error: %v", err)
	}
	if sched.abortedAgentID != "agent-9" {
		t.Fatalf("got abortedAgentID %q, want %q", sched.abortedAgentID, "agent-9")
	}
}

func TestServiceAbortRejectsMissingAgentID(t *testing.T) {
	svc := NewService(&fakeScheduler{}, NewBroadcaster(), nil)
	if _, err := svc.Abort(context.Background(), &AbortRequest{}); err == nil {
		t.Fatal("expected an error for missing agentId")
	}
}

func TestServiceAbortRecordsCancellation(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cancellations_total"}, []string{"reason"})
	metrics := &observability.Metrics{CancellationsTotal: counter}

	svc := NewService(&fakeScheduler{}, NewBroadcaster(), metrics)
	if _, err := svc.Abort(context.Background(), &AbortRequest{AgentID: "agent-9"}); err != nil {
		t.Fatalf("Abort returned error: %v", err)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("explicit")); got != 1 {
		t.Fatalf("got cancellation count %v, want 1", got)
	}
}

func TestBroadcasterDeliversOnlyToMatchingTaskID(t *testing.T) {
	b := NewBroadcaster()
	chA, cancelA := b.subscribe("task-a")
	defer cancelA()
	chB, cancelB := b.subscribe("task-b")
	defer cancelB()

	b.HandleEndpoint(society.BusMessage{TaskID: "task-a", From: "root", Payload: society.MessagePayload{Text: "hi a"}})

	select {
	case msg := <-chA:
		if msg.Payload.Text != "hi a" {
			t.Fatalf("got text %q, want %q", msg.Payload.Text, "hi a")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-a subscriber")
	}

	select {
	case msg := <-chB:
		t.Fatalf("task-b subscriber should not have received a message, got %+v", msg)
	default:
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.subscribe("task-x")
	cancel()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
