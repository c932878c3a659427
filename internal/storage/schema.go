package storage

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS automation_state (
    vault                  TEXT PRIMARY KEY,
    config                 JSONB NOT NULL,
    last_execution_ms      BIGINT NOT NULL DEFAULT 0,
    daily_count            INTEGER NOT NULL DEFAULT 0,
    daily_window_start_ms  BIGINT NOT NULL DEFAULT 0,
    last_result            JSONB,
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rebalance_runs (
    id              TEXT PRIMARY KEY,
    vault           TEXT NOT NULL,
    trigger         TEXT NOT NULL,
    status          TEXT NOT NULL,
    skip_reason     TEXT NOT NULL DEFAULT '',
    intensity       TEXT NOT NULL DEFAULT '',
    volatility_bps  BIGINT NOT NULL,
    swap_total      NUMERIC NOT NULL DEFAULT 0,
    tx_hashes       TEXT[] NOT NULL DEFAULT '{}',
    errors          TEXT[] NOT NULL DEFAULT '{}',
    plan            JSONB,
    tokens          JSONB,
    started_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS rebalance_runs_vault_started_idx ON rebalance_runs (vault, started_at DESC);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
