package orgsql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // registers driver "sqlite" (pure Go)

	"github.com/agentsociety/substrate/internal/substrate/org"
)

// SQLiteDriver selects which registered database/sql driver backs a SQLite
// persister. Both are imported so an operator can choose at runtime without
// a rebuild: modernc.org/sqlite needs no cgo, mattn/go-sqlite3 is the more
// battle-tested cgo binding.
type SQLiteDriver string

const (
	SQLiteDriverPure SQLiteDriver = "sqlite"  // modernc.org/sqlite
	SQLiteDriverCgo  SQLiteDriver = "sqlite3" // mattn/go-sqlite3
)

// SQLiteConfig configures a SQLite-backed org.Persister.
type SQLiteConfig struct {
	Driver         SQLiteDriver
	ConnectTimeout time.Duration
}

// NewSQLitePersister opens path with the configured driver, migrates the
// org schema, and returns an org.Persister backed by it. SQLite only
// tolerates one writer at a time, so MaxOpenConns is pinned to 1.
func NewSQLitePersister(path string, cfg *SQLiteConfig) (org.Persister, error) {
	if path == "" {
		return nil, fmt.Errorf("orgsql: sqlite path is required")
	}
	driver := SQLiteDriverPure
	timeout := 10 * time.Second
	if cfg != nil {
		if cfg.Driver != "" {
			driver = cfg.Driver
		}
		if cfg.ConnectTimeout > 0 {
			timeout = cfg.ConnectTimeout
		}
	}

	db, err := sql.Open(string(driver), path)
	if err != nil {
		return nil, fmt.Errorf("orgsql: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orgsql: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orgsql: migrate sqlite schema: %w", err)
	}

	return &sqlPersister{
		db:  db,
		ph:  func(int) string { return "?" },
		ctx: defaultCtx,
	}, nil
}
