package orgsql

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agentsociety/substrate/internal/substrate/org"
	"github.com/agentsociety/substrate/pkg/society"
)

func newMockPersister(t *testing.T) (*sqlPersister, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &sqlPersister{db: db, ph: func(int) string { return "?" }, ctx: defaultCtx}, mock
}

func TestLoadAssemblesSnapshotFromFourTables(t *testing.T) {
	p, mock := newMockPersister(t)
	now := time.Now()

	roleRows := sqlmock.NewRows([]string{
		"role_id", "name", "role_prompt", "org_prompt", "llm_service_id", "tool_groups",
		"created_by", "created_at", "status", "deleted_by", "deleted_at", "delete_reason",
	}).AddRow("r1", "writer", "draft things", "", "", `["core"]`, "root", now, "active", "", nil, "")
	mock.ExpectQuery("SELECT role_id, name, role_prompt").WillReturnRows(roleRows)

	agentRows := sqlmock.NewRows([]string{
		"agent_id", "role_id", "parent_agent_id", "name", "created_at", "status", "terminated_at",
	}).AddRow("a1", "r1", "root", "writer-1", now, "active", nil)
	mock.ExpectQuery("SELECT agent_id, role_id, parent_agent_id").WillReturnRows(agentRows)

	termRows := sqlmock.NewRows([]string{"agent_id", "terminated_by", "terminated_at", "reason"})
	mock.ExpectQuery("SELECT agent_id, terminated_by, terminated_at, reason FROM org_terminations").WillReturnRows(termRows)

	contactRows := sqlmock.NewRows([]string{"owner_agent_id", "entries"})
	mock.ExpectQuery("SELECT owner_agent_id, entries FROM org_contacts").WillReturnRows(contactRows)

	doc, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Roles) != 1 || doc.Roles[0].Name != "writer" {
		t.Fatalf("unexpected roles: %+v", doc.Roles)
	}
	if len(doc.Roles[0].ToolGroups) != 1 || doc.Roles[0].ToolGroups[0] != "core" {
		t.Fatalf("expected tool_groups to decode, got %+v", doc.Roles[0].ToolGroups)
	}
	if len(doc.Agents) != 1 || doc.Agents[0].AgentID != "a1" {
		t.Fatalf("unexpected agents: %+v", doc.Agents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveClearsAndReinsertsInsideOneTransaction(t *testing.T) {
	p, mock := newMockPersister(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM org_roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_agents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_terminations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_contacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO org_roles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO org_agents").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	doc := org.Snapshot{
		Roles:  []*society.Role{{RoleID: "r1", Name: "writer", RolePrompt: "draft", CreatedAt: now, Status: society.RoleActive}},
		Agents: []*society.Agent{{AgentID: "a1", RoleID: "r1", ParentAgentID: "root", CreatedAt: now, Status: society.AgentActive}},
	}
	if err := p.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveRollsBackOnInsertFailure(t *testing.T) {
	p, mock := newMockPersister(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM org_roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_agents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_terminations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM org_contacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO org_roles").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	doc := org.Snapshot{Roles: []*society.Role{{RoleID: "r1", Name: "writer", RolePrompt: "draft", Status: society.RoleActive}}}
	if err := p.Save(doc); err == nil {
		t.Fatalf("expected Save to propagate the insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
