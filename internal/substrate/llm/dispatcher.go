// Package llm defines the narrow LlmDispatcher contract the
// ComputeScheduler depends on (C8), grounded on the teacher's
// LLMProvider interface in internal/agent/runtime.go but narrowed to the
// spec's {chat, abort} shape. Concrete provider adapters live in
// internal/substrate/llmproviders.
package llm

import (
	"context"

	"github.com/agentsociety/substrate/internal/substrate/turn"
	"github.com/agentsociety/substrate/pkg/society"
)

// ChatResult is what a dispatcher returns for a completed chat call.
type ChatResult struct {
	Role      society.MessageRole
	Content   string
	ToolCalls []society.ToolCall
	Reasoning string
	Usage     *society.Usage
}

// Dispatcher is the abstraction of an LLM client as seen by the
// scheduler — not the client itself.
type Dispatcher interface {
	// Chat performs one completion call. Implementations must honor
	// ctx cancellation (threaded from the request's cancel scope) and
	// apply their own per-service concurrency controls.
	Chat(ctx context.Context, request turn.LlmRequest) (ChatResult, error)
	// Abort cancels any in-flight call for agentID, returning true if a
	// call was actually in flight.
	Abort(agentID string) bool
}

// Resolver looks up the Dispatcher bound to an agent's llmServiceId.
type Resolver func(agentID string) (Dispatcher, bool)
