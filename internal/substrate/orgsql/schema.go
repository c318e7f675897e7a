// Package orgsql implements SQL-backed org.Persister implementations (C10):
// a Postgres backend over lib/pq and a SQLite backend over both the cgo
// (mattn/go-sqlite3) and pure-Go (modernc.org/sqlite) drivers, so an
// operator can pick either without a rebuild. Both persisters round-trip
// the same org.Snapshot the file-backed default persists, grounded on the
// teacher's cockroach-backed stores (internal/jobs/cockroach.go,
// internal/tasks/cockroach.go) generalized from one-table-per-store to the
// org graph's four tables.
package orgsql

// ddlPostgres creates the org graph's tables using Postgres syntax.
const ddlPostgres = `
CREATE TABLE IF NOT EXISTS org_roles (
	role_id        TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	role_prompt    TEXT NOT NULL,
	org_prompt     TEXT,
	llm_service_id TEXT,
	tool_groups    TEXT,
	created_by     TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	deleted_by     TEXT,
	deleted_at     TIMESTAMPTZ,
	delete_reason  TEXT
);
CREATE TABLE IF NOT EXISTS org_agents (
	agent_id        TEXT PRIMARY KEY,
	role_id         TEXT NOT NULL,
	parent_agent_id TEXT NOT NULL,
	name            TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	terminated_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS org_terminations (
	agent_id      TEXT NOT NULL,
	terminated_by TEXT NOT NULL,
	terminated_at TIMESTAMPTZ NOT NULL,
	reason        TEXT
);
CREATE TABLE IF NOT EXISTS org_contacts (
	owner_agent_id TEXT PRIMARY KEY,
	entries        TEXT NOT NULL
);
`

// ddlSQLite is the same schema with SQLite-compatible column types.
const ddlSQLite = `
CREATE TABLE IF NOT EXISTS org_roles (
	role_id        TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	role_prompt    TEXT NOT NULL,
	org_prompt     TEXT,
	llm_service_id TEXT,
	tool_groups    TEXT,
	created_by     TEXT,
	created_at     DATETIME NOT NULL,
	status         TEXT NOT NULL,
	deleted_by     TEXT,
	deleted_at     DATETIME,
	delete_reason  TEXT
);
CREATE TABLE IF NOT EXISTS org_agents (
	agent_id        TEXT PRIMARY KEY,
	role_id         TEXT NOT NULL,
	parent_agent_id TEXT NOT NULL,
	name            TEXT,
	created_at      DATETIME NOT NULL,
	status          TEXT NOT NULL,
	terminated_at   DATETIME
);
CREATE TABLE IF NOT EXISTS org_terminations (
	agent_id      TEXT NOT NULL,
	terminated_by TEXT NOT NULL,
	terminated_at DATETIME NOT NULL,
	reason        TEXT
);
CREATE TABLE IF NOT EXISTS org_contacts (
	owner_agent_id TEXT PRIMARY KEY,
	entries        TEXT NOT NULL
);
`
