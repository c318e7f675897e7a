// Package cancel implements the per-agent epoch-based cancellation
// manager (C3), grounded on the context-cancellation idiom used
// throughout the teacher's agent runtime and job store.
package cancel

import (
	"context"
	"sync"
	"time"

	"github.com/agentsociety/substrate/pkg/society"
)

// AbortInfo records the most recent abort issued for an agent.
type AbortInfo struct {
	Reason string
	At     time.Time
}

// Scope is the capability handed to a holder of in-flight work: it
// captures the epoch in effect when the work started, and a signal that
// fires if that epoch is superseded before the work completes.
type Scope struct {
	AgentID string
	Epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	mgr     *Manager
}

// Done returns a channel closed when the scope's epoch has been
// superseded.
func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context bound to the scope's lifetime, suitable for
// threading into an LLM/tool client call.
func (s *Scope) Context() context.Context { return s.ctx }

// AssertActive reports whether the scope's epoch is still the current
// epoch for its agent. Holders of older scopes must check this before
// mutating shared state.
func (s *Scope) AssertActive() bool {
	return s.mgr.GetEpoch(s.AgentID) == s.Epoch
}

type agentState struct {
	epoch     uint64
	cancel    context.CancelFunc
	lastAbort *AbortInfo
}

// Manager tracks one monotonic epoch and abort controller per agent.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*agentState
	clock  society.Clock
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the manager's clock.
func WithClock(clock society.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		agents: make(map[string]*agentState),
		clock:  society.SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) stateLocked(agentID string) *agentState {
	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{epoch: 0}
		m.agents[agentID] = st
	}
	return st
}

// NewScope issues a cancel scope bound to agentID's current epoch.
func (m *Manager) NewScope(agentID string) *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(agentID)
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	return &Scope{AgentID: agentID, Epoch: st.epoch, ctx: ctx, cancel: cancel, mgr: m}
}

// Abort increments agentID's epoch, fires the prior scope's signal, and
// records the abort reason.
func (m *Manager) Abort(agentID, reason string) {
	m.mu.Lock()
	st := m.stateLocked(agentID)
	st.epoch++
	prevCancel := st.cancel
	st.lastAbort = &AbortInfo{Reason: reason, At: m.clock.Now()}
	m.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
}

// GetEpoch returns the current epoch for agentID (0 if never seen).
func (m *Manager) GetEpoch(agentID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.agents[agentID]; ok {
		return st.epoch
	}
	return 0
}

// GetLastAbortInfo returns the most recent abort recorded for agentID, or
// nil if none has ever been issued.
func (m *Manager) GetLastAbortInfo(agentID string) *AbortInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.agents[agentID]; ok && st.lastAbort != nil {
		info := *st.lastAbort
		return &info
	}
	return nil
}

// Forget drops all cancellation state for agentID (used on agent removal).
func (m *Manager) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// Reason constants used by callers throughout the core.
const (
	ReasonMessageInterruption = "message_interruption"
	ReasonUserRequested       = "user_requested"
)
