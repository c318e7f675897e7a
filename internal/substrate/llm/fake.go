package llm

import (
	"context"
	"sync"

	"github.com/agentsociety/substrate/internal/substrate/turn"
)

// FakeDispatcher is a scriptable, in-memory Dispatcher for tests: each
// call to Chat pops the next queued response for the agent that issued
// it (or the default queue, if no per-agent queue was set).
type FakeDispatcher struct {
	mu       sync.Mutex
	queues   map[string][]ChatResult
	fallback []ChatResult
	errors   map[string]error
	inflight map[string]context.CancelFunc
	holds    map[string]chan struct{}
	calls    []turn.LlmRequest
}

// NewFakeDispatcher constructs an empty FakeDispatcher.
func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{
		queues:   make(map[string][]ChatResult),
		errors:   make(map[string]error),
		inflight: make(map[string]context.CancelFunc),
		holds:    make(map[string]chan struct{}),
	}
}

// HoldNext makes agentID's next Chat call block until Release(agentID) is
// called or its context is cancelled, letting tests deterministically
// interleave an interruption with an in-flight LLM call.
func (f *FakeDispatcher) HoldNext(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[agentID] = make(chan struct{})
}

// Release unblocks a Chat call previously parked by HoldNext.
func (f *FakeDispatcher) Release(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.holds[agentID]; ok {
		close(ch)
		delete(f.holds, agentID)
	}
}

// Enqueue appends a scripted response for agentID's next Chat call.
func (f *FakeDispatcher) Enqueue(agentID string, result ChatResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[agentID] = append(f.queues[agentID], result)
}

// EnqueueDefault appends a scripted response used for any agent with no
// agent-specific queue remaining.
func (f *FakeDispatcher) EnqueueDefault(result ChatResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = append(f.fallback, result)
}

// FailNext arranges for agentID's next Chat call to return err.
func (f *FakeDispatcher) FailNext(agentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[agentID] = err
}

// Calls returns every LlmRequest handed to Chat so far, in order.
func (f *FakeDispatcher) Calls() []turn.LlmRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.LlmRequest(nil), f.calls...)
}

// Chat implements Dispatcher.
func (f *FakeDispatcher) Chat(ctx context.Context, request turn.LlmRequest) (ChatResult, error) {
	agentID, _ := request.Meta["agentId"].(string)

	f.mu.Lock()
	f.calls = append(f.calls, request)
	hold := f.holds[agentID]
	delete(f.holds, agentID)
	ctx, cancel := context.WithCancel(ctx)
	f.inflight[agentID] = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inflight, agentID)
		f.mu.Unlock()
		cancel()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ChatResult{}, ctx.Err()
		}
	}

	select {
	case <-ctx.Done():
		return ChatResult{}, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errors[agentID]; ok {
		delete(f.errors, agentID)
		return ChatResult{}, err
	}
	var result ChatResult
	if q := f.queues[agentID]; len(q) > 0 {
		result, f.queues[agentID] = q[0], q[1:]
	} else if len(f.fallback) > 0 {
		result, f.fallback = f.fallback[0], f.fallback[1:]
	}
	return result, nil
}

// Abort implements Dispatcher.
func (f *FakeDispatcher) Abort(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cancel, ok := f.inflight[agentID]
	if !ok {
		return false
	}
	cancel()
	delete(f.inflight, agentID)
	return true
}
