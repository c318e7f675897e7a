package turn

import (
	"encoding/json"
	"testing"

	"github.com/agentsociety/substrate/internal/substrate/cancel"
	"github.com/agentsociety/substrate/internal/substrate/conv"
	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/toolgroups"
	"github.com/agentsociety/substrate/pkg/society"
)

func newTestEngine(t *testing.T, maxRounds int) (*Engine, *conv.Store, *cancel.Manager) {
	t.Helper()
	convStore := conv.New(t.TempDir())
	tools := toolgroups.New()
	cancelMgr := cancel.New()
	e := New(Dependencies{
		Conv:  convStore,
		Tools: tools,
		ResolveRole: func(agentID string) (RoleBinding, error) {
			return RoleBinding{SystemPrompt: "you are a test agent"}, nil
		},
		ResolveParent: func(agentID string) (string, bool) { return "root", true },
		MaxToolRounds: maxRounds,
	})
	return e, convStore, cancelMgr
}

func TestStepInitThenNeedLlm(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")

	out, err := e.Step("a", scope)
	if err != nil || out.Kind != "done" {
		t.Fatalf("expected init to produce a done outcome, got %+v err=%v", out, err)
	}

	out, err = e.Step("a", scope)
	if err != nil || out.Kind != "need_llm" {
		t.Fatalf("expected the next step to request an llm call, got %+v err=%v", out, err)
	}
	if len(out.LlmRequest.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(out.LlmRequest.Messages))
	}
}

func TestFinalTextProducesSendOutcome(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", TaskID: "t1", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope)
	out, _ := e.Step("a", scope)

	e.OnLlmResult("a", out.TurnID, LlmResult{Content: "hello there"})

	final, err := e.Step("a", scope)
	if err != nil || final.Kind != "send" {
		t.Fatalf("expected a send outcome, got %+v err=%v", final, err)
	}
	if final.Message.Payload.Text != "hello there" {
		t.Fatalf("unexpected outbound text: %q", final.Message.Payload.Text)
	}
}

func TestToolCallsDriveDispatchTools(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope)
	out, _ := e.Step("a", scope)

	e.OnLlmResult("a", out.TurnID, LlmResult{
		ToolCalls: []society.ToolCall{{ID: "c1", Name: "lookup", Args: `{"q":"x"}`}},
	})

	toolOut, err := e.Step("a", scope)
	if err != nil || toolOut.Kind != "need_tool" {
		t.Fatalf("expected a need_tool outcome, got %+v err=%v", toolOut, err)
	}
	if toolOut.ToolCall.ToolName != "lookup" || toolOut.ToolCall.CallID != "c1" {
		t.Fatalf("unexpected tool call outcome: %+v", toolOut.ToolCall)
	}

	e.OnToolResult("a", toolOut.TurnID, "c1", json.RawMessage(`{"ok":true}`))
	next, _ := e.Step("a", scope)
	if next.Kind != "done" {
		t.Fatalf("expected done after the last tool result, got %+v", next)
	}
}

func TestMaxToolRoundsExceededTerminatesWithError(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 1)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope) // init -> done
	out, _ := e.Step("a", scope) // need_llm

	for round := 0; round < 3; round++ {
		e.OnLlmResult("a", out.TurnID, LlmResult{
			ToolCalls: []society.ToolCall{{ID: "c", Name: "lookup", Args: `{}`}},
		})
		toolOut, err := e.Step("a", scope)
		if err != nil || toolOut.Kind != "need_tool" {
			if toolOut.Kind == "done" {
				// round cap hit while dispatching; this is the terminal outcome we expect
				return
			}
			t.Fatalf("unexpected outcome mid-loop: %+v err=%v", toolOut, err)
		}
		e.OnToolResult("a", toolOut.TurnID, "c", json.RawMessage(`{}`))
		after, _ := e.Step("a", scope)
		if after.Kind == "done" {
			// advancing to the next round, or terminated by the round cap
			next, _ := e.Step("a", scope)
			if next.Kind == "need_llm" {
				out = next
				continue
			}
			if after.Message == nil || after.Message.Payload.Error == nil {
				t.Fatalf("expected the round-cap termination to carry an error envelope, got %+v", after)
			}
			if after.Message.Payload.Error.Category != "" {
				t.Fatalf("unexpected error category %q", after.Message.Payload.Error.Category)
			}
			return
		}
	}
	t.Fatalf("expected max_tool_rounds_exceeded to terminate the turn")
}

func TestOnLlmErrorEndsTurnAndReturnsEnvelope(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope)
	out, _ := e.Step("a", scope)

	env, parentID := e.OnLlmError("a", out.TurnID, errs.CodeLlmCallFailed, string(errs.LlmNetwork), "boom")
	if env == nil || parentID != "root" {
		t.Fatalf("expected an envelope and the resolved parent, got env=%+v parent=%q", env, parentID)
	}
	if e.HasRunnableWork("a") {
		t.Fatalf("expected no runnable work after the turn ends in error")
	}
}

func TestOnLlmCancelledRevertsToNeedLlm(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "hi"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope)
	out, _ := e.Step("a", scope)

	e.OnLlmCancelled("a", out.TurnID)
	if !e.HasRunnableWork("a") {
		t.Fatalf("expected the turn to be runnable again after cancellation")
	}
	next, err := e.Step("a", scope)
	if err != nil || next.Kind != "need_llm" {
		t.Fatalf("expected the retried step to request another llm call, got %+v err=%v", next, err)
	}
}

func TestInterruptionIsMergedIntoNextPrompt(t *testing.T) {
	e, _, cancelMgr := newTestEngine(t, 5)
	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "first"}})
	scope := cancelMgr.NewScope("a")
	e.Step("a", scope)
	e.Step("a", scope) // now waiting_llm

	e.EnqueueMessageTurn("a", society.BusMessage{From: "user", To: "a", Payload: society.MessagePayload{Text: "second"}})
	e.OnLlmCancelled("a", e.entries["a"].active.TurnID)

	retried, _ := e.Step("a", scope)
	if retried.Kind != "need_llm" {
		t.Fatalf("expected a retried need_llm outcome, got %+v", retried)
	}
	last := retried.LlmRequest.Messages[len(retried.LlmRequest.Messages)-1]
	if !last.Interruption || last.Role != society.RoleUser {
		t.Fatalf("expected the last message to be a merged interruption entry, got %+v", last)
	}
	if last.Content[:len(InterruptionTag)] != InterruptionTag {
		t.Fatalf("expected the interruption tag prefix, got %q", last.Content)
	}
}
