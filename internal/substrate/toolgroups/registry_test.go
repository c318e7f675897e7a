package toolgroups

import (
	"testing"

	"github.com/agentsociety/substrate/pkg/society"
)

func TestReservedGroupsCannotBeModified(t *testing.T) {
	r := New()
	if err := r.RegisterGroup("core", "nope", nil); err == nil {
		t.Fatalf("expected registering over a reserved group to fail")
	}
	if err := r.UnregisterGroup("messaging"); err == nil {
		t.Fatalf("expected unregistering a reserved group to fail")
	}
	if err := r.UpdateGroupTools("core", nil); err == nil {
		t.Fatalf("expected updating a reserved group's tools to fail")
	}
}

func TestResolveRoleGroupsDefaultsToAllNonReservedByRole(t *testing.T) {
	r := New()
	_ = r.RegisterGroup("extra", "extra tools", []society.ToolDefinition{
		{Type: "function", Function: society.ToolFunctionDef{Name: "extra_tool"}},
	})
	groups := r.ResolveRoleGroups(nil)
	foundCore, foundExtra := false, false
	for _, g := range groups {
		if g == "core" {
			foundCore = true
		}
		if g == "extra" {
			foundExtra = true
		}
	}
	if !foundCore || !foundExtra {
		t.Fatalf("expected both core and extra in the default resolution, got %v", groups)
	}
}

func TestResolveRoleGroupsHonorsExplicitList(t *testing.T) {
	r := New()
	_ = r.RegisterGroup("extra", "extra tools", []society.ToolDefinition{
		{Type: "function", Function: society.ToolFunctionDef{Name: "extra_tool"}},
	})
	groups := r.ResolveRoleGroups([]string{"extra"})
	if len(groups) != 1 || groups[0] != "extra" {
		t.Fatalf("expected only the explicitly named group, got %v", groups)
	}
	if r.IsToolInGroups("send_message", groups) {
		t.Fatalf("expected core's send_message to be excluded when explicit groups don't include core")
	}
}

func TestGetToolDefinitionsDedupesAcrossGroups(t *testing.T) {
	r := New()
	def := society.ToolDefinition{Type: "function", Function: society.ToolFunctionDef{Name: "shared"}}
	_ = r.RegisterGroup("g1", "", []society.ToolDefinition{def})
	_ = r.RegisterGroup("g2", "", []society.ToolDefinition{def})
	tools := r.GetToolDefinitions([]string{"g1", "g2"})
	if len(tools) != 1 {
		t.Fatalf("expected the duplicate tool name to be deduplicated, got %d", len(tools))
	}
}

func TestUnregisterThenResolveOmitsGroup(t *testing.T) {
	r := New()
	_ = r.RegisterGroup("temp", "", nil)
	_ = r.UnregisterGroup("temp")
	for _, g := range r.ListGroups() {
		if g == "temp" {
			t.Fatalf("expected temp to be gone from ListGroups after Unregister")
		}
	}
}
