package orgsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentsociety/substrate/internal/substrate/org"
	"github.com/agentsociety/substrate/pkg/society"
)

// sqlPersister implements org.Persister over database/sql, parameterized by
// the placeholder style each driver expects ($1.. for Postgres, ?  for
// SQLite) so the row-level Load/Save logic is shared between backends.
type sqlPersister struct {
	db  *sql.DB
	ph  func(n int) string
	ctx func() (context.Context, context.CancelFunc)
}

func defaultCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// Load reads every row across the four org tables into one Snapshot.
func (p *sqlPersister) Load() (org.Snapshot, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	doc := org.Snapshot{Version: 1, ContactRegistries: make(map[string][]society.ContactEntry)}

	roleRows, err := p.db.QueryContext(ctx, `
		SELECT role_id, name, role_prompt, org_prompt, llm_service_id, tool_groups,
			created_by, created_at, status, deleted_by, deleted_at, delete_reason
		FROM org_roles`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("query org_roles: %w", err)
	}
	for roleRows.Next() {
		var (
			r            society.Role
			orgPrompt    sql.NullString
			llmService   sql.NullString
			toolGroups   sql.NullString
			createdBy    sql.NullString
			status       string
			deletedBy    sql.NullString
			deletedAt    sql.NullTime
			deleteReason sql.NullString
		)
		if err := roleRows.Scan(&r.RoleID, &r.Name, &r.RolePrompt, &orgPrompt, &llmService, &toolGroups,
			&createdBy, &r.CreatedAt, &status, &deletedBy, &deletedAt, &deleteReason); err != nil {
			roleRows.Close()
			return org.Snapshot{}, fmt.Errorf("scan org_roles: %w", err)
		}
		r.OrgPrompt = orgPrompt.String
		r.LlmServiceID = llmService.String
		r.CreatedBy = createdBy.String
		r.Status = society.RoleStatus(status)
		r.DeletedBy = deletedBy.String
		r.DeleteReason = deleteReason.String
		if deletedAt.Valid {
			t := deletedAt.Time
			r.DeletedAt = &t
		}
		if toolGroups.Valid && toolGroups.String != "" {
			if err := json.Unmarshal([]byte(toolGroups.String), &r.ToolGroups); err != nil {
				roleRows.Close()
				return org.Snapshot{}, fmt.Errorf("decode tool_groups for %s: %w", r.RoleID, err)
			}
		}
		doc.Roles = append(doc.Roles, &r)
	}
	roleRows.Close()
	if err := roleRows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("iterate org_roles: %w", err)
	}

	agentRows, err := p.db.QueryContext(ctx, `
		SELECT agent_id, role_id, parent_agent_id, name, created_at, status, terminated_at
		FROM org_agents`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("query org_agents: %w", err)
	}
	for agentRows.Next() {
		var (
			a            society.Agent
			name         sql.NullString
			status       string
			terminatedAt sql.NullTime
		)
		if err := agentRows.Scan(&a.AgentID, &a.RoleID, &a.ParentAgentID, &name, &a.CreatedAt, &status, &terminatedAt); err != nil {
			agentRows.Close()
			return org.Snapshot{}, fmt.Errorf("scan org_agents: %w", err)
		}
		a.Name = name.String
		a.Status = society.AgentStatus(status)
		if terminatedAt.Valid {
			t := terminatedAt.Time
			a.TerminatedAt = &t
		}
		doc.Agents = append(doc.Agents, &a)
	}
	agentRows.Close()
	if err := agentRows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("iterate org_agents: %w", err)
	}

	termRows, err := p.db.QueryContext(ctx, `SELECT agent_id, terminated_by, terminated_at, reason FROM org_terminations`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("query org_terminations: %w", err)
	}
	for termRows.Next() {
		var t society.Termination
		var reason sql.NullString
		if err := termRows.Scan(&t.AgentID, &t.TerminatedBy, &t.TerminatedAt, &reason); err != nil {
			termRows.Close()
			return org.Snapshot{}, fmt.Errorf("scan org_terminations: %w", err)
		}
		t.Reason = reason.String
		doc.Terminations = append(doc.Terminations, t)
	}
	termRows.Close()
	if err := termRows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("iterate org_terminations: %w", err)
	}

	contactRows, err := p.db.QueryContext(ctx, `SELECT owner_agent_id, entries FROM org_contacts`)
	if err != nil {
		return org.Snapshot{}, fmt.Errorf("query org_contacts: %w", err)
	}
	for contactRows.Next() {
		var owner, entriesJSON string
		if err := contactRows.Scan(&owner, &entriesJSON); err != nil {
			contactRows.Close()
			return org.Snapshot{}, fmt.Errorf("scan org_contacts: %w", err)
		}
		var entries []society.ContactEntry
		if err := json.Unmarshal([]byte(entriesJSON), &entries); err != nil {
			contactRows.Close()
			return org.Snapshot{}, fmt.Errorf("decode contacts for %s: %w", owner, err)
		}
		doc.ContactRegistries[owner] = entries
	}
	contactRows.Close()
	if err := contactRows.Err(); err != nil {
		return org.Snapshot{}, fmt.Errorf("iterate org_contacts: %w", err)
	}

	return doc, nil
}

// Save replaces the contents of all four tables inside one transaction, the
// SQL analogue of the file persister's atomic rename.
func (p *sqlPersister) Save(doc org.Snapshot) error {
	ctx, cancel := p.ctx()
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin org snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"org_roles", "org_agents", "org_terminations", "org_contacts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, r := range doc.Roles {
		toolGroups, err := json.Marshal(r.ToolGroups)
		if err != nil {
			return fmt.Errorf("encode tool_groups for %s: %w", r.RoleID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_roles
				(role_id, name, role_prompt, org_prompt, llm_service_id, tool_groups,
				 created_by, created_at, status, deleted_by, deleted_at, delete_reason)
			VALUES (`+p.placeholders(12)+`)`,
			r.RoleID, r.Name, r.RolePrompt, nullableString(r.OrgPrompt), nullableString(r.LlmServiceID), string(toolGroups),
			nullableString(r.CreatedBy), r.CreatedAt, string(r.Status), nullableString(r.DeletedBy), nullableTime(r.DeletedAt), nullableString(r.DeleteReason),
		); err != nil {
			return fmt.Errorf("insert role %s: %w", r.RoleID, err)
		}
	}

	for _, a := range doc.Agents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_agents (agent_id, role_id, parent_agent_id, name, created_at, status, terminated_at)
			VALUES (`+p.placeholders(7)+`)`,
			a.AgentID, a.RoleID, a.ParentAgentID, nullableString(a.Name), a.CreatedAt, string(a.Status), nullableTime(a.TerminatedAt),
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.AgentID, err)
		}
	}

	for _, t := range doc.Terminations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_terminations (agent_id, terminated_by, terminated_at, reason)
			VALUES (`+p.placeholders(4)+`)`,
			t.AgentID, t.TerminatedBy, t.TerminatedAt, nullableString(t.Reason),
		); err != nil {
			return fmt.Errorf("insert termination for %s: %w", t.AgentID, err)
		}
	}

	for owner, entries := range doc.ContactRegistries {
		entriesJSON, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode contacts for %s: %w", owner, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO org_contacts (owner_agent_id, entries) VALUES (`+p.placeholders(2)+`)`,
			owner, string(entriesJSON),
		); err != nil {
			return fmt.Errorf("insert contacts for %s: %w", owner, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit org snapshot tx: %w", err)
	}
	return nil
}

func (p *sqlPersister) placeholders(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += p.ph(i)
	}
	return out
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
