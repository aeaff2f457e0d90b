package velocity

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the optional managed-database velocity Store backend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS velocity_entries (
			id BIGSERIAL PRIMARY KEY,
			caller TEXT NOT NULL,
			event_kind INTEGER NOT NULL,
			timestamp_ms BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_velocity_caller_ts
			ON velocity_entries (caller, timestamp_ms)`)
	if err != nil {
		return fmt.Errorf("velocity: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountSince(ctx context.Context, caller string, sinceMs int64) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM velocity_entries WHERE caller = $1 AND timestamp_ms >= $2`,
		caller, sinceMs)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("velocity: count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Insert(ctx context.Context, caller string, eventKind int32, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO velocity_entries (caller, event_kind, timestamp_ms) VALUES ($1, $2, $3)`,
		caller, eventKind, timestampMs)
	if err != nil {
		return fmt.Errorf("velocity: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM velocity_entries WHERE timestamp_ms < $1`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("velocity: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("velocity: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
