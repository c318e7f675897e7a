package llmproviders

import (
	"github.com/agentsociety/substrate/internal/substrate/llm"
	"github.com/agentsociety/substrate/internal/substrate/org"
)

// Registry maps an llmServiceId (configured per role) to a concrete
// Dispatcher, and exposes an llm.Resolver the scheduler can call with an
// agentID. A registry with no dispatchers registered resolves nothing,
// which the caller should treat as a fatal configuration error rather than
// a per-call failure.
type Registry struct {
	org          *org.Store
	dispatchers  map[string]llm.Dispatcher
	defaultDispatcher string
}

// NewRegistry builds a Registry that resolves an agent's llmServiceId
// through orgStore's role/agent graph.
func NewRegistry(orgStore *org.Store) *Registry {
	return &Registry{org: orgStore, dispatchers: make(map[string]llm.Dispatcher)}
}

// Register binds a dispatcher to an llmServiceId. The first registered
// dispatcher becomes the default used when a role leaves LlmServiceID empty.
func (r *Registry) Register(serviceID string, dispatcher llm.Dispatcher) {
	r.dispatchers[serviceID] = dispatcher
	if r.defaultDispatcher == "" {
		r.defaultDispatcher = serviceID
	}
}

// Resolver returns the llm.Resolver function the scheduler's Deps expects.
func (r *Registry) Resolver() llm.Resolver {
	return func(agentID string) (llm.Dispatcher, bool) {
		serviceID := r.defaultDispatcher
		if agent := r.org.GetAgent(agentID); agent != nil {
			if role := r.org.GetRole(agent.RoleID); role != nil && role.LlmServiceID != "" {
				serviceID = role.LlmServiceID
			}
		}
		dispatcher, ok := r.dispatchers[serviceID]
		return dispatcher, ok
	}
}
