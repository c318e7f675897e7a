package org

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentsociety/substrate/pkg/society"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateRoleIsIdempotentByName(t *testing.T) {
	s := newTestStore(t)
	a, err := s.CreateRole("writer", "draft things", "", society.RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	b, err := s.CreateRole("writer", "a different prompt", "", society.RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if a.RoleID != b.RoleID {
		t.Fatalf("expected the existing active role to be returned, got a new one")
	}
	if b.RolePrompt != "draft things" {
		t.Fatalf("expected the existing role's prompt to be unchanged, got %q", b.RolePrompt)
	}
}

func TestCreateAgentRejectsUnknownParent(t *testing.T) {
	s := newTestStore(t)
	role, err := s.CreateRole("writer", "draft things", "", society.RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := s.CreateAgent(role.RoleID, "does-not-exist", "x"); err == nil {
		t.Fatalf("expected an error for an unknown parentAgentId")
	}
	if _, err := s.CreateAgent(role.RoleID, "", "x"); err == nil {
		t.Fatalf("expected an error for an empty parentAgentId")
	}
}

func TestTerminationCascadesToDescendants(t *testing.T) {
	s := newTestStore(t)
	role, _ := s.CreateRole("worker", "work", "", society.RootAgentID, "", nil)
	parent, _ := s.CreateAgent(role.RoleID, society.RootAgentID, "p")
	child, _ := s.CreateAgent(role.RoleID, parent.AgentID, "c")
	grandchild, _ := s.CreateAgent(role.RoleID, child.AgentID, "gc")

	if _, err := s.RecordTermination(parent.AgentID, society.RootAgentID, "done"); err != nil {
		t.Fatalf("RecordTermination: %v", err)
	}

	for _, id := range []string{parent.AgentID, child.AgentID, grandchild.AgentID} {
		if got := s.GetAgent(id); got.Status != society.AgentTerminated {
			t.Fatalf("expected %s to be terminated, got %q", id, got.Status)
		}
	}
}

func TestTerminatingAlreadyTerminatedAgentFails(t *testing.T) {
	s := newTestStore(t)
	role, _ := s.CreateRole("worker", "work", "", society.RootAgentID, "", nil)
	agent, _ := s.CreateAgent(role.RoleID, society.RootAgentID, "w")
	if _, err := s.RecordTermination(agent.AgentID, society.RootAgentID, "r1"); err != nil {
		t.Fatalf("first RecordTermination: %v", err)
	}
	if _, err := s.RecordTermination(agent.AgentID, society.RootAgentID, "r2"); err == nil {
		t.Fatalf("expected the second termination to fail")
	}
}

func TestSystemAgentsCannotBeTerminatedOrRenamed(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RecordTermination(society.RootAgentID, society.UserAgentID, "no"); err == nil {
		t.Fatalf("expected terminating root to fail")
	}
	if _, err := s.SetAgentName(society.UserAgentID, "nope"); err == nil {
		t.Fatalf("expected renaming the user agent to fail")
	}
}

func TestDeleteRoleCascadesToChildRolesAndPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parentRole, _ := s.CreateRole("manager", "manage", "", society.RootAgentID, "", nil)
	manager, _ := s.CreateAgent(parentRole.RoleID, society.RootAgentID, "m")
	childRole, _ := s.CreateRole("intern", "intern", "", manager.AgentID, "", nil)

	result, err := s.DeleteRole(parentRole.RoleID, society.RootAgentID, "reorg")
	if err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if len(result.AffectedRoles) != 2 {
		t.Fatalf("expected both roles affected, got %v", result.AffectedRoles)
	}
	if got := s.GetRole(childRole.RoleID); got.Status != society.RoleDeleted {
		t.Fatalf("expected the child role to be deleted, got %q", got.Status)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.GetRole(parentRole.RoleID); got == nil || got.Status != society.RoleDeleted {
		t.Fatalf("expected deletion to survive a reload")
	}
}

func TestLoadToleratesCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, orgFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New should degrade to empty state, not error: %v", err)
	}
	if len(s.ListRoles()) != 0 || len(s.ListAgents()) != 0 {
		t.Fatalf("expected an empty store after a corrupt load")
	}
}
