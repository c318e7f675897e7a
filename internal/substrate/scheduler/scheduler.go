// Package scheduler implements the cooperative compute scheduler (C7):
// a single round-robin loop that drains the message bus, steps one ready
// agent per iteration, and starts LLM/tool calls without blocking the
// loop itself, grounded on the ticker-driven loop shape of the teacher's
// internal/cron.Scheduler and the per-agent runtime-map dispatch of
// internal/multiagent.Orchestrator.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsociety/substrate/internal/substrate/bus"
	"github.com/agentsociety/substrate/internal/substrate/cancel"
	"github.com/agentsociety/substrate/internal/substrate/conv"
	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/org"
	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

// Status is an agent's compute status as tracked by the scheduler.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusReady       Status = "ready"
	StatusWaitingLlm  Status = "waiting_llm"
	StatusProcessing  Status = "processing"
	StatusStopping    Status = "stopping"
	StatusTerminating Status = "terminating"
)

// InflightKind is the kind of in-flight work occupying an agent's single
// I/O slot.
type InflightKind string

const (
	InflightLlm      InflightKind = "llm"
	InflightTool     InflightKind = "tool"
	InflightEndpoint InflightKind = "endpoint"
)

type inflight struct {
	kind   InflightKind
	epoch  uint64
	turnID string
	stepID string
	cancel context.CancelFunc
}

type agentState struct {
	status   Status
	inflight *inflight
}

// ToolExecutor executes a tool call and returns a JSON-serializable
// result or an error; the core interprets only send_message specially.
type ToolExecutor interface {
	ExecuteToolCall(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// EndpointHandler processes a message delivered to the well-known `user`
// endpoint (no LLM, no TurnEngine).
type EndpointHandler func(msg society.BusMessage)

// Deps wires the scheduler to the rest of the core and its external
// ports.
type Deps struct {
	Bus          *bus.Bus
	Org          *org.Store
	Conv         *conv.Store
	Turn         *turn.Engine
	Cancel       *cancel.Manager
	Tools        ToolExecutor
	ResolveLlm   llm.Resolver
	OnEndpoint   EndpointHandler
	Logger       *slog.Logger
	Clock        society.Clock
	BusWaitMax   time.Duration
	SlideKeepRatio float64
}

// Scheduler is the single cooperative loop (C7).
type Scheduler struct {
	deps Deps

	mu       sync.Mutex
	states   map[string]*agentState
	order    []string
	ingestAt int
	stepAt   int
}

// New constructs a Scheduler. root and user are always part of the
// rotation even before any agent is created.
func New(deps Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "scheduler")
	}
	if deps.Clock == nil {
		deps.Clock = society.SystemClock{}
	}
	if deps.BusWaitMax <= 0 {
		deps.BusWaitMax = 100 * time.Millisecond
	}
	if deps.SlideKeepRatio <= 0 {
		deps.SlideKeepRatio = 0.7
	}
	s := &Scheduler{
		deps:   deps,
		states: make(map[string]*agentState),
	}
	s.refreshOrder()
	return s
}

func (s *Scheduler) refreshOrder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var order []string
	for _, id := range []string{society.RootAgentID, society.UserAgentID} {
		order = append(order, id)
		seen[id] = true
		if _, ok := s.states[id]; !ok {
			s.states[id] = &agentState{status: StatusIdle}
		}
	}
	for _, a := range s.deps.Org.ListAgents() {
		if seen[a.AgentID] {
			continue
		}
		seen[a.AgentID] = true
		order = append(order, a.AgentID)
		if _, ok := s.states[a.AgentID]; !ok {
			status := StatusIdle
			if a.Status == society.AgentTerminated {
				status = StatusTerminating
			}
			s.states[a.AgentID] = &agentState{status: status}
		}
	}
	s.order = order
}

// Status returns agentID's current compute status.
func (s *Scheduler) Status(agentID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agentID]; ok {
		return st.status
	}
	return StatusIdle
}

// SubmitRequirement delivers text to the root agent as a new task,
// implementing the "submit user requirement" exposed port.
func (s *Scheduler) SubmitRequirement(text, taskID string) string {
	if taskID == "" {
		taskID = fmt.Sprintf("task-%d", s.deps.Clock.Now().UnixNano())
	}
	s.deps.Bus.Send(society.BusMessage{
		From:    society.UserAgentID,
		To:      society.RootAgentID,
		TaskID:  taskID,
		Payload: society.MessagePayload{Text: text},
	})
	return taskID
}

// SendText implements the "send text to agent" exposed port.
func (s *Scheduler) SendText(to, text, taskID string) {
	s.deps.Bus.Send(society.BusMessage{
		From:    society.UserAgentID,
		To:      to,
		TaskID:  taskID,
		Payload: society.MessagePayload{Text: text},
	})
}

// Abort implements the "abort in-flight LLM call" exposed port.
func (s *Scheduler) Abort(agentID string) {
	s.deps.Cancel.Abort(agentID, cancel.ReasonUserRequested)
}

// RunOnce executes exactly one scheduler iteration (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.refreshOrder()
	s.deps.Bus.DeliverDueMessages()
	s.ingest()
	progressed := s.stepOneReady(ctx)
	if !progressed {
		s.collapseIdle()
	}
}

// Run drives the cooperative loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.refreshOrder()
		s.deps.Bus.DeliverDueMessages()
		s.ingest()
		progressed := s.stepOneReady(ctx)

		if !progressed {
			s.collapseIdle()
			if !s.deps.Bus.HasPending() && !s.anyInflight() {
				s.deps.Bus.WaitForMessage(ctx, s.deps.BusWaitMax)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func (s *Scheduler) anyInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.inflight != nil {
			return true
		}
	}
	return false
}

// ingest walks the agent set once in rotating order, popping at most one
// message per agent with no in-flight work.
func (s *Scheduler) ingest() {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, agentID := range order {
		s.mu.Lock()
		st := s.states[agentID]
		blocked := st.status == StatusStopping || st.status == StatusTerminating
		waitingOnLlm := st.inflight != nil && st.inflight.kind == InflightLlm
		busyOther := st.inflight != nil && st.inflight.kind != InflightLlm
		s.mu.Unlock()
		if blocked || busyOther {
			continue
		}

		msg, ok := s.deps.Bus.ReceiveNext(agentID)
		if !ok {
			continue
		}

		if agentID == society.UserAgentID {
			s.mu.Lock()
			st.inflight = &inflight{kind: InflightEndpoint}
			s.mu.Unlock()
			go func(m society.BusMessage) {
				if s.deps.OnEndpoint != nil {
					s.deps.OnEndpoint(m)
				}
				s.mu.Lock()
				st.inflight = nil
				s.mu.Unlock()
			}(msg)
			continue
		}

		// Delivering a message to an agent whose LLM call is already in
		// flight is an interruption: the TurnEngine records it instead of
		// starting a new turn, and the in-flight call is aborted so its
		// stale-epoch completion is discarded rather than acted on.
		s.deps.Turn.EnqueueMessageTurn(agentID, msg)
		if waitingOnLlm {
			s.deps.Cancel.Abort(agentID, cancel.ReasonMessageInterruption)
			continue
		}
		s.mu.Lock()
		st.status = StatusReady
		s.mu.Unlock()
	}
}

// stepOneReady advances the rotation to the next agent with runnable
// work and applies its Outcome.
func (s *Scheduler) stepOneReady(ctx context.Context) bool {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	start := s.stepAt
	s.mu.Unlock()

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		agentID := order[idx]
		if agentID == society.UserAgentID {
			continue
		}

		s.mu.Lock()
		st := s.states[agentID]
		busy := st.inflight != nil
		s.mu.Unlock()
		if busy {
			continue
		}
		if !s.deps.Turn.HasRunnableWork(agentID) {
			continue
		}

		s.mu.Lock()
		s.stepAt = (idx + 1) % len(order)
		s.mu.Unlock()

		scope := s.deps.Cancel.NewScope(agentID)
		outcome, err := s.deps.Turn.Step(agentID, scope)
		if err != nil {
			s.deps.Logger.Error("turn step failed", "agent_id", agentID, "error", err)
			return true
		}
		s.applyOutcome(ctx, agentID, scope, outcome)
		return true
	}
	return false
}

func (s *Scheduler) applyOutcome(ctx context.Context, agentID string, scope *cancel.Scope, outcome turn.Outcome) {
	switch outcome.Kind {
	case "noop":
		// nothing progressed for this agent this iteration
	case "done":
		if outcome.Message != nil {
			s.deps.Bus.Send(*outcome.Message)
		}
		s.mu.Lock()
		s.states[agentID].status = StatusReady
		s.mu.Unlock()
	case "send":
		if outcome.Message != nil {
			s.deps.Bus.Send(*outcome.Message)
		}
		_ = s.deps.Conv.PersistConversation(agentID)
		s.mu.Lock()
		s.states[agentID].status = StatusReady
		s.mu.Unlock()
	case "need_llm":
		s.startLlm(ctx, agentID, scope, outcome)
	case "need_tool":
		s.startTool(ctx, agentID, scope, outcome)
	}
}

func (s *Scheduler) startLlm(ctx context.Context, agentID string, scope *cancel.Scope, outcome turn.Outcome) {
	dispatcher, ok := s.deps.ResolveLlm(agentID)
	s.mu.Lock()
	s.states[agentID].status = StatusWaitingLlm
	s.states[agentID].inflight = &inflight{kind: InflightLlm, epoch: scope.Epoch, turnID: outcome.TurnID, stepID: outcome.StepID}
	s.mu.Unlock()

	if !ok {
		env, parentID := s.deps.Turn.OnLlmError(agentID, outcome.TurnID, errs.CodeLlmCallFailed, string(errs.LlmUnknown), "missing_llm_client")
		s.finishInflight(agentID, scope.Epoch, InflightLlm)
		s.notifyError(agentID, parentID, env)
		return
	}

	s.deps.Conv.SlideWindowIfNeededByEstimate(agentID, conv.SlideOptions{KeepRatio: s.deps.SlideKeepRatio})

	callCtx, cancelCall := context.WithCancel(scope.Context())
	s.mu.Lock()
	s.states[agentID].inflight.cancel = cancelCall
	s.mu.Unlock()

	go func() {
		defer cancelCall()
		result, err := dispatcher.Chat(callCtx, *outcome.LlmRequest)

		currentEpoch := s.deps.Cancel.GetEpoch(agentID)
		if currentEpoch != scope.Epoch {
			info := s.deps.Cancel.GetLastAbortInfo(agentID)
			if info != nil && info.Reason == cancel.ReasonMessageInterruption {
				s.deps.Turn.OnLlmCancelled(agentID, outcome.TurnID)
			} else {
				env, parentID := s.deps.Turn.OnLlmError(agentID, outcome.TurnID, errs.CodeLlmResultDiscarded, "", "epoch advanced")
				s.notifyError(agentID, parentID, env)
			}
			s.finishInflight(agentID, scope.Epoch, InflightLlm)
			return
		}

		if err != nil {
			env, parentID := s.deps.Turn.OnLlmError(agentID, outcome.TurnID, errs.CodeLlmCallFailed, string(classifyLlmError(err)), err.Error())
			s.notifyError(agentID, parentID, env)
			s.finishInflight(agentID, scope.Epoch, InflightLlm)
			return
		}

		if result.Usage != nil {
			s.deps.Conv.UpdateTokenUsage(agentID, *result.Usage)
			s.deps.Conv.UpdatePromptTokenEstimator(agentID, result.Usage.PromptTokens)
		}
		s.deps.Turn.OnLlmResult(agentID, outcome.TurnID, turn.LlmResult{
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
			Reasoning: result.Reasoning,
			Usage:     result.Usage,
		})
		s.finishInflight(agentID, scope.Epoch, InflightLlm)
	}()
}

func (s *Scheduler) startTool(ctx context.Context, agentID string, scope *cancel.Scope, outcome turn.Outcome) {
	call := outcome.ToolCall
	s.mu.Lock()
	s.states[agentID].status = StatusProcessing
	s.states[agentID].inflight = &inflight{kind: InflightTool, epoch: scope.Epoch, turnID: outcome.TurnID, stepID: outcome.StepID}
	s.mu.Unlock()

	if call.ToolName == "send_message" {
		go func() {
			var args struct {
				To     string `json:"to"`
				Text   string `json:"text"`
				TaskID string `json:"taskId"`
			}
			var result json.RawMessage
			if err := json.Unmarshal(call.Args, &args); err != nil {
				s.deps.Turn.OnToolError(agentID, outcome.TurnID, call.CallID, call.ToolName, err)
			} else {
				s.deps.Bus.Send(society.BusMessage{
					From:    agentID,
					To:      args.To,
					TaskID:  args.TaskID,
					Payload: society.MessagePayload{Text: args.Text},
				})
				result = json.RawMessage(`{"ok":true}`)
				s.deps.Turn.OnToolResult(agentID, outcome.TurnID, call.CallID, result)
			}
			s.finishInflight(agentID, scope.Epoch, InflightTool)
		}()
		return
	}

	callCtx, cancelCall := context.WithCancel(scope.Context())
	s.mu.Lock()
	s.states[agentID].inflight.cancel = cancelCall
	s.mu.Unlock()

	go func() {
		defer cancelCall()
		result, err := s.deps.Tools.ExecuteToolCall(callCtx, call.ToolName, call.Args)

		if s.deps.Cancel.GetEpoch(agentID) != scope.Epoch {
			s.finishInflight(agentID, scope.Epoch, InflightTool)
			return
		}

		if err != nil {
			s.deps.Turn.OnToolError(agentID, outcome.TurnID, call.CallID, call.ToolName, err)
		} else {
			s.deps.Turn.OnToolResult(agentID, outcome.TurnID, call.CallID, result)
		}
		s.finishInflight(agentID, scope.Epoch, InflightTool)
	}()
}

func (s *Scheduler) finishInflight(agentID string, epoch uint64, kind InflightKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok || st.inflight == nil {
		return
	}
	if st.inflight.epoch != epoch || st.inflight.kind != kind {
		return
	}
	st.inflight = nil
	if st.status != StatusStopping && st.status != StatusTerminating {
		st.status = StatusReady
	}
}

// collapseIdle sets computeStatus to idle for every agent with no
// in-flight work, no runnable turn, and an empty bus queue.
func (s *Scheduler) collapseIdle() {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, agentID := range order {
		s.mu.Lock()
		st := s.states[agentID]
		eligible := st.inflight == nil && st.status != StatusStopping && st.status != StatusTerminating
		s.mu.Unlock()
		if !eligible {
			continue
		}
		if s.deps.Turn.HasRunnableWork(agentID) {
			continue
		}
		if s.deps.Bus.GetQueueDepth(agentID) != 0 {
			continue
		}
		s.mu.Lock()
		st.status = StatusIdle
		s.mu.Unlock()
	}
}

func (s *Scheduler) notifyError(agentID, parentID string, env *society.ErrorEnvelope) {
	if env == nil || parentID == "" {
		return
	}
	s.deps.Bus.Send(society.BusMessage{
		From:    agentID,
		To:      parentID,
		Payload: society.MessagePayload{Kind: "error", Error: env},
	})
}

func classifyLlmError(err error) errs.LlmFailureCategory {
	var taxErr *errs.Error
	if asTaxonomy(err, &taxErr) && taxErr.Category != "" {
		return errs.LlmFailureCategory(taxErr.Category)
	}
	return errs.LlmUnknown
}

func asTaxonomy(err error, target **errs.Error) bool {
	for err != nil {
		if te, ok := err.(*errs.Error); ok {
			*target = te
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
