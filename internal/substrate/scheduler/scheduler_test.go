package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentsociety/substrate/internal/substrate/bus"
	"github.com/agentsociety/substrate/internal/substrate/cancel"
	"github.com/agentsociety/substrate/internal/substrate/conv"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/org"
	"github.com/agentsociety/substrate/internal/substrate/toolgroups"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

type notFoundError string

func (e notFoundError) Error() string { return "not found: " + string(e) }

type harness struct {
	t         *testing.T
	bus       *bus.Bus
	org       *org.Store
	convStore *conv.Store
	cancelMgr *cancel.Manager
	tools     *toolgroups.Registry
	engine    *turn.Engine
	llmFake   *llm.FakeDispatcher
	toolFake  *fakeToolExecutor
	sched     *Scheduler
	endpoint  []society.BusMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{t: t}
	h.bus = bus.New()
	orgStore, err := org.New(dir)
	if err != nil {
		t.Fatalf("org.New: %v", err)
	}
	h.org = orgStore
	h.convStore = conv.New(dir)
	h.cancelMgr = cancel.New()
	h.tools = toolgroups.New()
	h.llmFake = llm.NewFakeDispatcher()
	h.toolFake = newFakeToolExecutor()

	resolveRole := func(agentID string) (turn.RoleBinding, error) {
		if agentID == society.RootAgentID {
			return turn.RoleBinding{SystemPrompt: "you are the root coordinator"}, nil
		}
		agent := h.org.GetAgent(agentID)
		if agent == nil {
			return turn.RoleBinding{}, notFoundError(agentID)
		}
		role := h.org.GetRole(agent.RoleID)
		if role == nil {
			return turn.RoleBinding{}, notFoundError(agent.RoleID)
		}
		return turn.RoleBinding{SystemPrompt: role.RolePrompt, ToolGroupIDs: role.ToolGroups}, nil
	}
	resolveParent := func(agentID string) (string, bool) {
		agent := h.org.GetAgent(agentID)
		if agent == nil {
			return "", false
		}
		return agent.ParentAgentID, true
	}

	h.engine = turn.New(turn.Dependencies{
		Conv:          h.convStore,
		Tools:         h.tools,
		ResolveRole:   resolveRole,
		ResolveParent: resolveParent,
		MaxToolRounds: 3,
	})

	h.sched = New(Deps{
		Bus:        h.bus,
		Org:        h.org,
		Conv:       h.convStore,
		Turn:       h.engine,
		Cancel:     h.cancelMgr,
		Tools:      h.toolFake,
		ResolveLlm: func(agentID string) (llm.Dispatcher, bool) { return h.llmFake, true },
		OnEndpoint: func(msg society.BusMessage) { h.endpoint = append(h.endpoint, msg) },
		BusWaitMax: 20 * time.Millisecond,
	})
	return h
}

// pump runs RunOnce repeatedly, polling until done reports true or the
// iteration budget is exhausted.
func (h *harness) pump(maxIters int, done func() bool) {
	ctx := context.Background()
	for i := 0; i < maxIters; i++ {
		if done() {
			return
		}
		h.sched.RunOnce(ctx)
		time.Sleep(time.Millisecond)
	}
}

// (a) ping-pong: a user message to root produces exactly one reply.
func TestSchedulerPingPong(t *testing.T) {
	h := newHarness(t)
	h.llmFake.EnqueueDefault(llm.ChatResult{Content: "hello back"})

	h.sched.SubmitRequirement("hello", "task-1")
	h.pump(200, func() bool { return len(h.endpoint) > 0 })

	if len(h.endpoint) != 1 {
		t.Fatalf("expected exactly one reply to user, got %d", len(h.endpoint))
	}
	if h.endpoint[0].Payload.Text != "hello back" {
		t.Fatalf("unexpected reply text: %q", h.endpoint[0].Payload.Text)
	}
}

// (b) tool round-trip: the model calls a tool, gets a result, then answers.
func TestSchedulerToolRoundTrip(t *testing.T) {
	h := newHarness(t)

	if err := h.tools.RegisterGroup("research", "lookup tools", []society.ToolDefinition{
		{Type: "function", Function: society.ToolFunctionDef{Name: "lookup", Description: "look something up"}},
	}); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	role, err := h.org.CreateRole("researcher", "you research things", "", society.RootAgentID, "", []string{"research"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	agent, err := h.org.CreateAgent(role.RoleID, society.RootAgentID, "r1")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	h.toolFake.whenCalled("lookup", json.RawMessage(`{"answer":42}`))
	h.llmFake.Enqueue(agent.AgentID, llm.ChatResult{
		ToolCalls: []society.ToolCall{{ID: "call-1", Name: "lookup", Args: `{"q":"meaning of life"}`}},
	})
	h.llmFake.Enqueue(agent.AgentID, llm.ChatResult{Content: "it's 42"})

	h.sched.SendText(agent.AgentID, "what is the answer?", "task-2")
	h.pump(300, func() bool { return len(h.endpoint) > 0 })

	if len(h.endpoint) != 1 {
		t.Fatalf("expected one reply, got %d", len(h.endpoint))
	}
	if h.endpoint[0].Payload.Text != "it's 42" {
		t.Fatalf("unexpected reply: %q", h.endpoint[0].Payload.Text)
	}
	if len(h.toolFake.calls) != 1 || h.toolFake.calls[0] != "lookup" {
		t.Fatalf("expected exactly one lookup call, got %v", h.toolFake.calls)
	}
}

// (c) interruption retry: a message delivered while an LLM call is in
// flight aborts that call and is merged into the next prompt.
func TestSchedulerInterruptionMerge(t *testing.T) {
	h := newHarness(t)

	h.llmFake.HoldNext(society.RootAgentID)
	h.llmFake.EnqueueDefault(llm.ChatResult{Content: "final answer"})

	h.sched.SubmitRequirement("first message", "task-3")
	h.pump(200, func() bool { return h.sched.Status(society.RootAgentID) == StatusWaitingLlm })

	h.sched.SendText(society.RootAgentID, "actually, wait", "task-3")
	h.pump(50, func() bool { return false }) // let the interruption land
	h.llmFake.Release(society.RootAgentID)

	h.pump(300, func() bool { return len(h.endpoint) > 0 })

	if len(h.endpoint) != 1 {
		t.Fatalf("expected exactly one final reply, got %d", len(h.endpoint))
	}
	calls := h.llmFake.Calls()
	if len(calls) < 2 {
		t.Fatalf("expected the interruption to force a second LLM call, got %d calls", len(calls))
	}
	last := calls[len(calls)-1]
	found := false
	for _, m := range last.Messages {
		if m.Interruption && m.Role == society.RoleUser {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the retried prompt to contain the merged interruption entry")
	}
}

// (d) cascade termination: terminating a parent also terminates its
// descendants and the scheduler stops scheduling them.
func TestSchedulerCascadeTermination(t *testing.T) {
	h := newHarness(t)
	role, err := h.org.CreateRole("worker", "you work", "", society.RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	parent, err := h.org.CreateAgent(role.RoleID, society.RootAgentID, "parent")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	child, err := h.org.CreateAgent(role.RoleID, parent.AgentID, "child")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	if _, err := h.org.RecordTermination(parent.AgentID, society.RootAgentID, "done"); err != nil {
		t.Fatalf("RecordTermination: %v", err)
	}

	if a := h.org.GetAgent(child.AgentID); a.Status != society.AgentTerminated {
		t.Fatalf("expected child to cascade-terminate, got status %q", a.Status)
	}

	h.sched.SendText(child.AgentID, "are you there?", "task-4")
	h.sched.RunOnce(context.Background())
	if len(h.llmFake.Calls()) != 0 {
		t.Fatalf("terminated agent must not be stepped")
	}
}

// (e) role deletion cascades to roles created by an agent bound to it.
func TestSchedulerRoleDeletionCascade(t *testing.T) {
	h := newHarness(t)
	parentRole, err := h.org.CreateRole("manager", "you manage", "", society.RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	manager, err := h.org.CreateAgent(parentRole.RoleID, society.RootAgentID, "mgr")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	childRole, err := h.org.CreateRole("intern", "you intern", "", manager.AgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	result, err := h.org.DeleteRole(parentRole.RoleID, society.RootAgentID, "reorg")
	if err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}

	foundChildRole := false
	for _, rid := range result.AffectedRoles {
		if rid == childRole.RoleID {
			foundChildRole = true
		}
	}
	if !foundChildRole {
		t.Fatalf("expected role created by a bound agent to be cascade-deleted, got %v", result.AffectedRoles)
	}
	if got := h.org.GetRole(childRole.RoleID); got.Status != society.RoleDeleted {
		t.Fatalf("child role should be deleted, got status %q", got.Status)
	}
}

// (f) delayed delivery: a scheduled message is invisible until its time.
func TestSchedulerDelayedDelivery(t *testing.T) {
	h := newHarness(t)
	future := time.Now().Add(50 * time.Millisecond)
	h.bus.Send(society.BusMessage{
		From:                  society.UserAgentID,
		To:                    society.RootAgentID,
		ScheduledDeliveryTime: &future,
		Payload:               society.MessagePayload{Text: "later"},
	})

	if h.bus.GetQueueDepth(society.RootAgentID) != 0 {
		t.Fatalf("message should not be visible before its scheduled time")
	}

	time.Sleep(60 * time.Millisecond)
	h.bus.DeliverDueMessages()
	if h.bus.GetQueueDepth(society.RootAgentID) != 1 {
		t.Fatalf("message should be visible once its scheduled time has passed")
	}
}
