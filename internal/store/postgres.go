package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/state"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Sections ---

func (s *Store) SaveSection(ctx context.Context, sec state.Section) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sections (id, kind, market, subject, backend, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET backend = EXCLUDED.backend`,
		sec.ID, string(sec.Kind), sec.Market, sec.Subject, sec.Backend, sec.CreatedAt)
	return err
}

// DeleteSection removes the section; its snapshot goes with it.
func (s *Store) DeleteSection(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sections WHERE id = $1`, id)
	return err
}

func (s *Store) LoadSections(ctx context.Context) ([]state.Section, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market, subject, backend, created_at FROM sections ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Section
	for rows.Next() {
		var sec state.Section
		var kind string
		if err := rows.Scan(&sec.ID, &kind, &sec.Market, &sec.Subject, &sec.Backend, &sec.CreatedAt); err != nil {
			return nil, err
		}
		sec.Kind = state.Kind(kind)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// --- Snapshots ---

// SaveSnapshot keeps the latest snapshot per section. Nothing is written when
// the section is already gone or a newer snapshot is stored.
func (s *Store) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	snap.Prior = nil
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO section_snapshots (section_id, payload, fetched_at)
		 SELECT $1::text, $2::jsonb, $3::timestamptz WHERE EXISTS (SELECT 1 FROM sections WHERE id = $1)
		 ON CONFLICT (section_id) DO UPDATE
		   SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at
		   WHERE section_snapshots.fetched_at <= EXCLUDED.fetched_at`,
		snap.SectionID, payload, snap.FetchedAt)
	return err
}

func (s *Store) LoadSnapshots(ctx context.Context) ([]state.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM section_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Snapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap state.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Alerts ---

func (s *Store) SaveAlert(ctx context.Context, a state.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_alerts (token_id, threshold, direction, revision, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (token_id) DO UPDATE
		   SET threshold = EXCLUDED.threshold, direction = EXCLUDED.direction,
		       revision = EXCLUDED.revision, updated_at = EXCLUDED.updated_at`,
		a.TokenID, a.Threshold.String(), a.Direction, int64(a.Revision), a.UpdatedAt)
	return err
}

func (s *Store) DeleteAlert(ctx context.Context, tokenID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM price_alerts WHERE token_id = $1`, tokenID)
	return err
}

func (s *Store) LoadAlerts(ctx context.Context) ([]state.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_id, threshold, direction, revision, updated_at FROM price_alerts ORDER BY token_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Alert
	for rows.Next() {
		var a state.Alert
		var threshold string
		var rev int64
		if err := rows.Scan(&a.TokenID, &threshold, &a.Direction, &rev, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if a.Threshold, err = decimal.NewFromString(threshold); err != nil {
			return nil, fmt.Errorf("alert %s threshold: %w", a.TokenID, err)
		}
		a.Revision = uint64(rev)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Price configs ---

func (s *Store) SavePriceConfig(ctx context.Context, p state.PriceConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_configs (id, token_id, symbol, mint) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET symbol = EXCLUDED.symbol, mint = EXCLUDED.mint`,
		p.ID, p.TokenID, p.Symbol, p.Mint)
	return err
}

func (s *Store) DeletePriceConfig(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM price_configs WHERE id = $1`, id)
	return err
}

func (s *Store) LoadPriceConfigs(ctx context.Context) ([]state.PriceConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, token_id, symbol, mint FROM price_configs ORDER BY token_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.PriceConfig
	for rows.Next() {
		var p state.PriceConfig
		if err := rows.Scan(&p.ID, &p.TokenID, &p.Symbol, &p.Mint); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Preferences ---

func (s *Store) SavePreferences(ctx context.Context, p state.Preferences) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferences (id, currency, rpc_label) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET currency = EXCLUDED.currency, rpc_label = EXCLUDED.rpc_label`,
		p.Currency, p.RPCLabel)
	return err
}

func (s *Store) LoadPreferences(ctx context.Context) (state.Preferences, bool, error) {
	var p state.Preferences
	err := s.pool.QueryRow(ctx, `SELECT currency, rpc_label FROM preferences WHERE id = 1`).
		Scan(&p.Currency, &p.RPCLabel)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.Preferences{}, false, nil
	}
	if err != nil {
		return state.Preferences{}, false, err
	}
	return p, true, nil
}

var _ state.Persister = (*Store)(nil)
