package orgsql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentsociety/substrate/internal/substrate/org"
)

// PostgresConfig configures a Postgres-backed org.Persister.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func defaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresPersister opens dsn via lib/pq, migrates the org schema, and
// returns an org.Persister backed by it.
func NewPostgresPersister(dsn string, cfg *PostgresConfig) (org.Persister, error) {
	if dsn == "" {
		return nil, fmt.Errorf("orgsql: dsn is required")
	}
	resolved := defaultPostgresConfig()
	if cfg != nil {
		resolved = *cfg
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("orgsql: open postgres: %w", err)
	}
	db.SetMaxOpenConns(resolved.MaxOpenConns)
	db.SetMaxIdleConns(resolved.MaxIdleConns)
	db.SetConnMaxLifetime(resolved.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), resolved.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orgsql: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orgsql: migrate postgres schema: %w", err)
	}

	return &sqlPersister{
		db:  db,
		ph:  func(n int) string { return "$" + strconv.Itoa(n) },
		ctx: defaultCtx,
	}, nil
}
