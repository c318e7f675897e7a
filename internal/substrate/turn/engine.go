// Package turn implements the per-agent turn state machine (C6
// TurnEngine): the sole writer of conversation history, emitting one
// atomic step outcome at a time, grounded on the teacher's
// internal/agent/runtime.go Run/loop.go LoopPhase state machine.
package turn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentsociety/substrate/internal/substrate/cancel"
	"github.com/agentsociety/substrate/internal/substrate/conv"
	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/toolgroups"
	"github.com/agentsociety/substrate/pkg/society"
)

// Phase is one state of the per-agent turn state machine.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseNeedLlm       Phase = "need_llm"
	PhaseWaitingLlm    Phase = "waiting_llm"
	PhaseDispatchTools Phase = "dispatch_tools"
	PhaseSendText      Phase = "send_text"
	PhaseFinished      Phase = "finished"
)

// InterruptionTag prefixes a merged interruption entry, matching the
// seed scenario's 【插话消息】 convention (or-equivalent tag).
const InterruptionTag = "【插话消息】"

// Turn is one in-flight processing of an inbound message for one agent.
type Turn struct {
	TurnID  string
	AgentID string
	Phase   Phase
	Round   int

	message society.BusMessage

	pendingToolCalls []society.ToolCall
	nextToolIdx      int
	executingCallID  string

	softRetried bool // tool-not-called heuristic used once this round
	lastStepID  string

	finalOutbound society.BusMessage
}

// entry is the per-agent queue plus active turn.
type entry struct {
	queue         []*Turn
	active        *Turn
	interruptions []society.ConversationEntry
}

// RoleBinding is what the engine needs to know about an agent's role to
// assemble an LLM request.
type RoleBinding struct {
	SystemPrompt string
	ToolGroupIDs []string
}

// RoleResolver looks up the role binding for an agent.
type RoleResolver func(agentID string) (RoleBinding, error)

// ParentResolver looks up the parentAgentId for an agent, if any.
type ParentResolver func(agentID string) (parentAgentID string, ok bool)

// Dependencies wires the TurnEngine to the other core components it
// consults but never writes concurrently.
type Dependencies struct {
	Conv          *conv.Store
	Tools         *toolgroups.Registry
	ResolveRole   RoleResolver
	ResolveParent ParentResolver
	MaxToolRounds int
	Logger        *slog.Logger
}

// Engine is the TurnEngine: one entry per agent, single writer of conv.
type Engine struct {
	mu      sync.Mutex
	entries map[string]*entry
	deps    Dependencies
}

// New constructs an Engine.
func New(deps Dependencies) *Engine {
	if deps.MaxToolRounds <= 0 {
		deps.MaxToolRounds = 25
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "turn")
	}
	return &Engine{entries: make(map[string]*entry), deps: deps}
}

func (e *Engine) entryFor(agentID string) *entry {
	en, ok := e.entries[agentID]
	if !ok {
		en = &entry{}
		e.entries[agentID] = en
	}
	return en
}

// EnqueueMessageTurn queues a new turn for agentID driven by msg. If the
// agent has an active turn already in waiting_llm, the message is
// recorded as an interruption instead (the caller is responsible for
// cancelling the in-flight LLM call via CancelManager).
func (e *Engine) EnqueueMessageTurn(agentID string, msg society.BusMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en := e.entryFor(agentID)

	if en.active != nil && en.active.Phase == PhaseWaitingLlm {
		en.interruptions = append(en.interruptions, society.ConversationEntry{
			Role:    society.RoleUser,
			Content: msg.Payload.Text,
		})
		return
	}

	en.queue = append(en.queue, &Turn{
		TurnID:  uuid.NewString(),
		AgentID: agentID,
		Phase:   PhaseInit,
		message: msg,
	})
}

// HasRunnableWork reports whether agentID has an active turn or queued
// work that step() could make progress on right now (used by the
// scheduler's idle-collapse check).
func (e *Engine) HasRunnableWork(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok {
		return false
	}
	if en.active != nil {
		return en.active.Phase != PhaseWaitingLlm // waiting_llm work is in-flight, not runnable-by-step
	}
	return len(en.queue) > 0
}

// Outcome is the result of one step() call.
type Outcome struct {
	Kind string // noop | done | need_llm | need_tool | send

	TurnID string
	StepID string

	LlmRequest *LlmRequest
	ToolCall   *ToolCallOutcome
	Message    *society.BusMessage
}

// LlmRequest is the payload handed to the LlmDispatcher.
type LlmRequest struct {
	Messages []society.ConversationEntry
	Tools    []society.ToolDefinition
	Meta     map[string]any
}

// ToolCallOutcome describes one tool invocation the scheduler must start.
type ToolCallOutcome struct {
	ToolName string
	CallID   string
	Args     json.RawMessage
}

func newStepID() string { return uuid.NewString() }

// Step advances agentID's turn machine by exactly one atomic outcome.
func (e *Engine) Step(agentID string, scope *cancel.Scope) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok {
		return Outcome{Kind: "noop"}, nil
	}

	if en.active == nil {
		if len(en.queue) == 0 {
			return Outcome{Kind: "noop"}, nil
		}
		en.active = en.queue[0]
		en.queue = en.queue[1:]
	}
	t := en.active

	switch t.Phase {
	case PhaseInit:
		binding, err := e.deps.ResolveRole(agentID)
		if err != nil {
			return Outcome{}, err
		}
		e.deps.Conv.EnsureConversation(agentID, binding.SystemPrompt)
		e.deps.Conv.Append(agentID, society.ConversationEntry{
			Role:    society.RoleUser,
			Content: t.message.Payload.Text,
		})
		t.Phase = PhaseNeedLlm
		return Outcome{Kind: "done", TurnID: t.TurnID}, nil

	case PhaseNeedLlm:
		binding, err := e.deps.ResolveRole(agentID)
		if err != nil {
			return Outcome{}, err
		}
		if len(en.interruptions) > 0 {
			merged := mergeInterruptions(en.interruptions)
			e.deps.Conv.Append(agentID, merged)
			en.interruptions = nil
		}
		messages := e.deps.Conv.EnsureConversation(agentID, binding.SystemPrompt)
		tools := e.deps.Tools.GetToolDefinitions(e.deps.Tools.ResolveRoleGroups(binding.ToolGroupIDs))
		t.Phase = PhaseWaitingLlm
		t.lastStepID = newStepID()
		return Outcome{
			Kind:   "need_llm",
			TurnID: t.TurnID,
			StepID: t.lastStepID,
			LlmRequest: &LlmRequest{
				Messages: messages,
				Tools:    tools,
				Meta:     map[string]any{"agentId": agentID, "epoch": scope.Epoch},
			},
		}, nil

	case PhaseWaitingLlm:
		return Outcome{Kind: "noop"}, nil

	case PhaseDispatchTools:
		if t.executingCallID != "" {
			return Outcome{Kind: "noop"}, nil
		}
		if t.nextToolIdx >= len(t.pendingToolCalls) {
			if t.Round+1 > e.deps.MaxToolRounds {
				env, parentID := e.finishWithError(en, t, errs.CodeMaxToolRoundsExceeded,
					"this turn used too many tool-call rounds and was stopped", "")
				return Outcome{Kind: "done", TurnID: t.TurnID, Message: notificationMessage(agentID, parentID, env)}, nil
			}
			t.Round++
			t.Phase = PhaseNeedLlm
			t.softRetried = false
			return Outcome{Kind: "done", TurnID: t.TurnID}, nil
		}

		call := t.pendingToolCalls[t.nextToolIdx]
		var args json.RawMessage
		if err := json.Unmarshal([]byte(call.Args), &args); err != nil {
			e.deps.Conv.Append(agentID, society.ConversationEntry{
				Role:       society.RoleTool,
				ToolCallID: call.ID,
				Content:    fmt.Sprintf(`{"error":"invalid tool arguments: %s"}`, jsonEscape(err.Error())),
			})
			t.nextToolIdx++
			return Outcome{Kind: "done", TurnID: t.TurnID}, nil
		}

		t.executingCallID = call.ID
		return Outcome{
			Kind:   "need_tool",
			TurnID: t.TurnID,
			StepID: newStepID(),
			ToolCall: &ToolCallOutcome{
				ToolName: call.Name,
				CallID:   call.ID,
				Args:     args,
			},
		}, nil

	case PhaseSendText:
		t.Phase = PhaseFinished
		return Outcome{Kind: "send", TurnID: t.TurnID, Message: &t.finalOutbound}, nil

	case PhaseFinished:
		en.active = nil
		if len(en.queue) > 0 {
			en.active = en.queue[0]
			en.queue = en.queue[1:]
			return Outcome{Kind: "done"}, nil
		}
		return Outcome{Kind: "noop"}, nil
	}

	return Outcome{Kind: "noop"}, nil
}

// LlmResult is what the LlmDispatcher returns for a completed chat call.
type LlmResult struct {
	Content   string
	ToolCalls []society.ToolCall
	Reasoning string
	Usage     *society.Usage
}

var toolMentionPattern = regexp.MustCompile(`(?i)\b(I will|I'll|let me|going to) (call|use|invoke) the .*tool\b`)

// OnLlmResult handles a successful completion. A result for a turn that is
// no longer the agent's active turn is ignored; stale-epoch callers must
// not call this at all (the scheduler routes those through OnLlmCancelled/discard
// before reaching here).
func (e *Engine) OnLlmResult(agentID string, turnID string, result LlmResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok || en.active == nil || en.active.TurnID != turnID {
		return
	}
	t := en.active

	if result.Usage != nil {
		e.deps.Conv.UpdateTokenUsage(agentID, *result.Usage)
	}

	if len(result.ToolCalls) > 0 {
		e.deps.Conv.Append(agentID, society.ConversationEntry{
			Role:      society.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
			Reasoning: result.Reasoning,
			Usage:     result.Usage,
		})
		t.pendingToolCalls = result.ToolCalls
		t.nextToolIdx = 0
		t.executingCallID = ""
		t.Phase = PhaseDispatchTools
		return
	}

	trimmed := strings.TrimSpace(result.Content)
	if trimmed != "" && !t.softRetried && t.Round < e.deps.MaxToolRounds && toolMentionPattern.MatchString(trimmed) {
		// Open-question heuristic (SPEC_FULL.md §4.6): the model described a
		// tool call without making one. Nudge once per round instead of
		// accepting the content as final text.
		t.softRetried = true
		en.interruptions = append(en.interruptions, society.ConversationEntry{
			Role:    society.RoleUser,
			Content: "You described a tool call but did not call it. Call the tool now, or answer directly.",
		})
		t.Phase = PhaseNeedLlm
		return
	}

	e.deps.Conv.Append(agentID, society.ConversationEntry{
		Role:      society.RoleAssistant,
		Content:   result.Content,
		Reasoning: result.Reasoning,
		Usage:     result.Usage,
	})
	t.finalOutbound = society.BusMessage{
		From:    agentID,
		To:      society.UserAgentID,
		TaskID:  t.message.TaskID,
		Payload: society.MessagePayload{Text: result.Content, Usage: result.Usage},
	}
	t.Phase = PhaseSendText
}

// OnLlmCancelled reverts phase to need_llm without clearing the turn,
// preserving any interruptions recorded while the call was in flight.
func (e *Engine) OnLlmCancelled(agentID, turnID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok || en.active == nil || en.active.TurnID != turnID {
		return
	}
	en.active.Phase = PhaseNeedLlm
}

// OnLlmError ends the turn and returns the error envelope plus parent
// agent id the scheduler should notify, if any.
func (e *Engine) OnLlmError(agentID, turnID string, code errs.Code, category, message string) (*society.ErrorEnvelope, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok || en.active == nil || en.active.TurnID != turnID {
		return nil, ""
	}
	return e.finishWithError(en, en.active, code, message, category)
}

// OnToolResult records a successful tool result and advances the call
// cursor.
func (e *Engine) OnToolResult(agentID, turnID, callID string, result json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok || en.active == nil || en.active.TurnID != turnID {
		return
	}
	t := en.active
	e.deps.Conv.Append(agentID, society.ConversationEntry{
		Role:       society.RoleTool,
		ToolCallID: callID,
		Content:    string(result),
	})
	t.executingCallID = ""
	t.nextToolIdx++
}

// OnToolError records a failed tool call as a tool entry with a JSON
// error object, and advances the call cursor; the turn continues.
func (e *Engine) OnToolError(agentID, turnID, callID, toolName string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[agentID]
	if !ok || en.active == nil || en.active.TurnID != turnID {
		return
	}
	t := en.active
	e.deps.Conv.Append(agentID, society.ConversationEntry{
		Role:       society.RoleTool,
		ToolCallID: callID,
		Content:    fmt.Sprintf(`{"error":true,"tool":%q,"message":%q}`, toolName, err.Error()),
	})
	t.executingCallID = ""
	t.nextToolIdx++
}

func (e *Engine) finishWithError(en *entry, t *Turn, code errs.Code, message, category string) (*society.ErrorEnvelope, string) {
	env := &society.ErrorEnvelope{
		Category:      category,
		UserMessage:   userMessageFor(code, category),
		TechnicalInfo: message,
		AgentID:       t.AgentID,
	}
	e.deps.Conv.Append(t.AgentID, society.ConversationEntry{
		Role:    society.RoleAssistant,
		Content: fmt.Sprintf(`{"error":true,"code":%q,"message":%q}`, code, message),
	})
	en.active = nil
	if len(en.queue) > 0 {
		en.active = en.queue[0]
		en.queue = en.queue[1:]
	}
	parentID := ""
	if e.deps.ResolveParent != nil {
		if p, ok := e.deps.ResolveParent(t.AgentID); ok {
			parentID = p
		}
	}
	return env, parentID
}

func userMessageFor(code errs.Code, category string) string {
	switch code {
	case errs.CodeMaxToolRoundsExceeded:
		return "The agent used too many tool-call rounds and the turn was stopped."
	case errs.CodeLlmCallFailed:
		return fmt.Sprintf("The language model call failed (%s).", category)
	default:
		return "The agent turn ended with an error."
	}
}

func notificationMessage(agentID, parentID string, env *society.ErrorEnvelope) *society.BusMessage {
	if parentID == "" || env == nil {
		return nil
	}
	return &society.BusMessage{
		From: agentID,
		To:   parentID,
		Payload: society.MessagePayload{
			Kind:  "error",
			Error: env,
		},
	}
}

func mergeInterruptions(entries []society.ConversationEntry) society.ConversationEntry {
	var b strings.Builder
	b.WriteString(InterruptionTag)
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.Content)
	}
	return society.ConversationEntry{
		Role:         society.RoleUser,
		Content:      b.String(),
		Interruption: true,
	}
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return strings.Trim(string(b), `"`)
}
