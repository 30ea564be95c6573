package storage

import (
	"context"
	"fmt"
)

// migrationStatements holds the idempotent schema definition. Statements run
// in order inside a single transaction so a partially applied schema never
// survives a failed migration.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ,
		chat_id TEXT NOT NULL DEFAULT '',
		keep_clips BOOLEAN NOT NULL DEFAULT FALSE,
		auto_delete BOOLEAN NOT NULL DEFAULT FALSE,
		max_delivery_mb BIGINT NOT NULL DEFAULT 50,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		stream_key TEXT NOT NULL UNIQUE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		seq BIGINT GENERATED BY DEFAULT AS IDENTITY,
		source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_live_per_source
		ON sessions (source_id) WHERE status = 'live'`,
	`CREATE TABLE IF NOT EXISTS clip_jobs (
		id TEXT PRIMARY KEY,
		seq BIGINT GENERATED BY DEFAULT AS IDENTITY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		result_path TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT,
		attempts INT NOT NULL DEFAULT 0,
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS clip_jobs_pending_seq
		ON clip_jobs (seq) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS sessions_source_seq ON sessions (source_id, seq DESC)`,
}

// Migrate applies the schema to the connected database. It is safe to run on
// every startup.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range migrationStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
