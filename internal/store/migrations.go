package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS sections (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK (kind IN ('borrow', 'loan')),
    market TEXT NOT NULL,
    subject TEXT NOT NULL,
    backend TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- at most one borrow section per (market, mint)
CREATE UNIQUE INDEX IF NOT EXISTS idx_sections_borrow_unique
    ON sections (market, subject) WHERE kind = 'borrow';

CREATE TABLE IF NOT EXISTS section_snapshots (
    section_id TEXT PRIMARY KEY REFERENCES sections(id) ON DELETE CASCADE,
    payload JSONB NOT NULL,
    fetched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_alerts (
    token_id TEXT PRIMARY KEY,
    threshold TEXT NOT NULL,
    direction TEXT NOT NULL CHECK (direction IN ('above', 'below')),
    revision BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS price_configs (
    id TEXT PRIMARY KEY,
    token_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL DEFAULT '',
    mint TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS preferences (
    id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    currency TEXT NOT NULL DEFAULT 'USD',
    rpc_label TEXT NOT NULL DEFAULT ''
);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
