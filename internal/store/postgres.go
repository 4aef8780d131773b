package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS active_sessions (
	charger_id TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS charging_sessions (
	id         TEXT PRIMARY KEY,
	charger_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS charging_sessions_charger_ended
	ON charging_sessions (charger_id, ended_at DESC);
`

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN         string
	MaxConns    int
	MinConns    int
	ConnMaxLife time.Duration
}

// NewPostgresPool creates a connection pool and verifies it with a ping.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLife > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLife
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore keeps sessions as JSONB documents.
type PostgresStore struct {
	db  *pgxpool.Pool
	max int
}

// NewPostgresStore creates the tables if they do not exist.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool, maxSessions int) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{db: db, max: retention(maxSessions)}, nil
}

// LoadActive returns the raw snapshot of chargerID, or nil when there is none.
func (p *PostgresStore) LoadActive(ctx context.Context, chargerID string) ([]byte, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT payload FROM active_sessions WHERE charger_id = $1`, chargerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}
	return raw, nil
}

// SaveActive replaces the snapshot of chargerID.
func (p *PostgresStore) SaveActive(ctx context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO active_sessions (charger_id, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (charger_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		chargerID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save active session: %w", err)
	}
	return nil
}

// ClearActive drops the snapshot of chargerID.
func (p *PostgresStore) ClearActive(ctx context.Context, chargerID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM active_sessions WHERE charger_id = $1`, chargerID); err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	return nil
}

// AddSession records a completed session and applies retention.
func (p *PostgresStore) AddSession(ctx context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO charging_sessions (id, charger_id, started_at, ended_at, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at, payload = EXCLUDED.payload`,
			s.ID, chargerID, s.StartedAt, s.EndedAt, string(raw))
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM charging_sessions
			WHERE charger_id = $1 AND id NOT IN (
				SELECT id FROM charging_sessions WHERE charger_id = $1
				ORDER BY ended_at DESC NULLS LAST LIMIT $2)`,
			chargerID, p.max)
		if err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}
		return nil
	})
}

// Sessions returns up to limit completed sessions, newest first.
func (p *PostgresStore) Sessions(ctx context.Context, chargerID string, limit int) ([]*domain.Session, error) {
	query := `SELECT payload FROM charging_sessions WHERE charger_id = $1 ORDER BY ended_at DESC NULLS LAST`
	args := []any{chargerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var s domain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// Session returns one completed session or ErrNotFound.
func (p *PostgresStore) Session(ctx context.Context, chargerID, sessionID string) (*domain.Session, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT payload FROM charging_sessions WHERE charger_id = $1 AND id = $2`,
		chargerID, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}
