// Package toolgroups implements the named tool-group registry (C5):
// reserved builtin groups, per-role tool-set resolution, and the
// OpenAI-function-style tool definition shape the TurnEngine hands to the
// LlmDispatcher, grounded on the Tool/ToolRegistry shape of the teacher's
// agent runtime.
package toolgroups

import (
	"fmt"

	"github.com/agentsociety/substrate/pkg/society"
)

// reservedGroups lists the builtin groups that can never be re-registered,
// modified, or unregistered.
var reservedGroups = map[string]bool{
	"core":      true,
	"messaging": true,
}

// Group is a named, described set of tool definitions.
type Group struct {
	Description string
	Tools       []society.ToolDefinition
}

// Registry maps groupId to Group and keeps the group ids in insertion
// order; GetToolDefinitions deduplicates tool names when it resolves them.
type Registry struct {
	groups map[string]*Group
	order  []string // insertion order, for deterministic iteration
}

// New constructs a Registry seeded with the reserved builtin groups.
func New() *Registry {
	r := &Registry{groups: make(map[string]*Group)}
	r.registerUnchecked("core", &Group{
		Description: "built-in tools always available to every role",
		Tools: []society.ToolDefinition{
			{
				Type: "function",
				Function: society.ToolFunctionDef{
					Name:        "send_message",
					Description: "send a message to another agent",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"to":      map[string]any{"type": "string"},
							"text":    map[string]any{"type": "string"},
							"taskId":  map[string]any{"type": "string"},
						},
						"required": []string{"to", "text"},
					},
				},
			},
		},
	})
	r.registerUnchecked("messaging", &Group{
		Description: "reserved for future first-class messaging tools",
	})
	return r
}

func (r *Registry) registerUnchecked(groupID string, g *Group) {
	if _, exists := r.groups[groupID]; !exists {
		r.order = append(r.order, groupID)
	}
	r.groups[groupID] = g
}

// IsReserved reports whether groupID is a reserved builtin group.
func IsReserved(groupID string) bool { return reservedGroups[groupID] }

// RegisterGroup registers or overwrites a non-reserved group, clearing the
// prior tool set for that group id.
func (r *Registry) RegisterGroup(groupID, description string, tools []society.ToolDefinition) error {
	if IsReserved(groupID) {
		return fmt.Errorf("cannot re-register reserved tool group %q", groupID)
	}
	r.registerUnchecked(groupID, &Group{Description: description, Tools: append([]society.ToolDefinition(nil), tools...)})
	return nil
}

// UnregisterGroup removes a non-reserved group.
func (r *Registry) UnregisterGroup(groupID string) error {
	if IsReserved(groupID) {
		return fmt.Errorf("cannot unregister reserved tool group %q", groupID)
	}
	if _, ok := r.groups[groupID]; !ok {
		return nil
	}
	delete(r.groups, groupID)
	for i, id := range r.order {
		if id == groupID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateGroupTools replaces a group's tool list in place.
func (r *Registry) UpdateGroupTools(groupID string, tools []society.ToolDefinition) error {
	if IsReserved(groupID) {
		return fmt.Errorf("cannot modify reserved tool group %q", groupID)
	}
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("unknown tool group %q", groupID)
	}
	g.Tools = append([]society.ToolDefinition(nil), tools...)
	return nil
}

// ListGroups returns every registered group id, in insertion order.
func (r *Registry) ListGroups() []string {
	return append([]string(nil), r.order...)
}

// GetToolDefinitions returns the deduplicated tool definitions provided by
// groupIDs, in insertion order of the first group that provides each tool.
func (r *Registry) GetToolDefinitions(groupIDs []string) []society.ToolDefinition {
	seen := make(map[string]bool)
	var out []society.ToolDefinition
	for _, gid := range groupIDs {
		g, ok := r.groups[gid]
		if !ok {
			continue
		}
		for _, tool := range g.Tools {
			if seen[tool.Function.Name] {
				continue
			}
			seen[tool.Function.Name] = true
			out = append(out, tool)
		}
	}
	return out
}

// FindToolDefinition searches every registered group for toolName and
// returns its definition, regardless of which groups a role currently
// resolves to. Used by tool-handler registration to recover the argument
// schema for a tool by name alone.
func (r *Registry) FindToolDefinition(toolName string) (society.ToolDefinition, bool) {
	for _, gid := range r.order {
		g := r.groups[gid]
		for _, tool := range g.Tools {
			if tool.Function.Name == toolName {
				return tool, true
			}
		}
	}
	return society.ToolDefinition{}, false
}

// IsToolInGroups reports whether toolName is provided by any of groupIDs.
func (r *Registry) IsToolInGroups(toolName string, groupIDs []string) bool {
	for _, gid := range groupIDs {
		g, ok := r.groups[gid]
		if !ok {
			continue
		}
		for _, tool := range g.Tools {
			if tool.Function.Name == toolName {
				return true
			}
		}
	}
	return false
}

// ResolveRoleGroups determines a role's effective tool-group set: absent
// roleToolGroups means every non-reserved-by-role group known to the
// registry; otherwise exactly the named groups.
func (r *Registry) ResolveRoleGroups(roleToolGroups []string) []string {
	if len(roleToolGroups) > 0 {
		return append([]string(nil), roleToolGroups...)
	}
	return r.ListGroups()
}
