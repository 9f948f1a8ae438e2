package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/rollcall/internal/attendance"
)

// Store persists attendance events in PostgreSQL. It is safe for concurrent
// use by the recorder workers.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			scanned_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance_events (
			id UUID PRIMARY KEY,
			identity_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL,
			liveness DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attendance_events_identity_idx ON attendance_events (identity_id, recorded_at DESC);
		CREATE INDEX IF NOT EXISTS attendance_events_recorded_idx ON attendance_events (recorded_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSource registers a scanned source. Events previously recorded for it
// are deleted so a re-scan does not duplicate attendance.
func (s *Store) EnsureSource(ctx context.Context, sourceID, path string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM attendance_events WHERE source = $1", sourceID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sources (id, path, scanned_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET scanned_at = NOW(), path = EXCLUDED.path
	`, sourceID, path)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveEvent inserts an attendance event. Saving the same event twice is a no-op.
func (s *Store) SaveEvent(ctx context.Context, e attendance.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_events (id, identity_id, name, confidence, liveness, status, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID.String(), e.IdentityID, e.Name, e.Confidence, e.Liveness, e.Status, e.Source, e.Timestamp)
	return err
}

const eventColumns = `id::text, identity_id, name, confidence, liveness, status, source, recorded_at`

// ListRecent returns the newest events first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]attendance.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM attendance_events ORDER BY recorded_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListByIdentity returns the newest events of one identity first.
func (s *Store) ListByIdentity(ctx context.Context, identityID string, limit int) ([]attendance.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM attendance_events WHERE identity_id = $1 ORDER BY recorded_at DESC, id LIMIT $2`,
		identityID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// IdentitySummary aggregates the events of one identity.
type IdentitySummary struct {
	IdentityID string
	Name       string
	Count      int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Summarize returns one row per identity with event counts, most active first.
func (s *Store) Summarize(ctx context.Context) ([]IdentitySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, MAX(name), COUNT(*), MIN(recorded_at), MAX(recorded_at)
		FROM attendance_events
		GROUP BY identity_id
		ORDER BY COUNT(*) DESC, identity_id ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (IdentitySummary, error) {
		var sum IdentitySummary
		err := row.Scan(&sum.IdentityID, &sum.Name, &sum.Count, &sum.FirstSeen, &sum.LastSeen)
		return sum, err
	})
}

func collectEvents(rows pgx.Rows) ([]attendance.Event, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.Event, error) {
		var (
			e  attendance.Event
			id string
		)
		if err := row.Scan(&id, &e.IdentityID, &e.Name, &e.Confidence, &e.Liveness, &e.Status, &e.Source, &e.Timestamp); err != nil {
			return e, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return e, fmt.Errorf("invalid event id %q: %w", id, err)
		}
		e.ID = parsed
		return e, nil
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_events CASCADE;
		DROP TABLE IF EXISTS sources CASCADE;
	`)
	return err
}
