package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/privkeyio/keepcore/pkg/domain"

	_ "github.com/lib/pq"
)

// PostgresStore is the optional managed-database audit Store backend,
// grounded on the teacher's pkg/budget/postgres_store.go.
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
		CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGSERIAL PRIMARY KEY,
			timestamp_ms BIGINT NOT NULL,
			caller TEXT NOT NULL,
			request_type TEXT NOT NULL,
			event_kind INTEGER,
			decision TEXT NOT NULL,
			was_automatic BOOLEAN NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			policy_hash TEXT
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	var kind sql.NullInt64
	if e.EventKind != nil {
		kind = sql.NullInt64{Int64: int64(*e.EventKind), Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.TimestampMs, e.Caller, string(e.RequestType), kind, e.Decision, e.WasAutomatic, e.PreviousHash, e.EntryHash, nullableString(e.PolicyHash))
	if err := row.Scan(&e.ID); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries ORDER BY id DESC LIMIT 1`)
	e, err := scanPGEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) All(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: all: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPGEntries(rows)
}

func (s *PostgresStore) Page(ctx context.Context, limit, offset int, filterCaller string) ([]*Entry, error) {
	var rows *sql.Rows
	var err error
	if filterCaller != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
			FROM audit_entries WHERE caller = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`, filterCaller, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
			FROM audit_entries ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: page: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPGEntries(rows)
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoffMs int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries WHERE timestamp_ms < $1 ORDER BY id ASC`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("audit: select prune candidates: %w", err)
	}
	pruned, err := scanPGEntries(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp_ms < $1`, cutoffMs); err != nil {
		return nil, fmt.Errorf("audit: delete pruned: %w", err)
	}
	return pruned, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanPGEntry(row scannable) (*Entry, error) {
	var e Entry
	var kind sql.NullInt64
	var policyHash sql.NullString
	var requestType string
	if err := row.Scan(&e.ID, &e.TimestampMs, &e.Caller, &requestType, &kind, &e.Decision, &e.WasAutomatic, &e.PreviousHash, &e.EntryHash, &policyHash); err != nil {
		return nil, err
	}
	e.RequestType = domain.RequestType(requestType)
	if kind.Valid {
		k := int32(kind.Int64)
		e.EventKind = &k
	}
	e.PolicyHash = policyHash.String
	return &e, nil
}

func scanPGEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanPGEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
