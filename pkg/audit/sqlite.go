package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/privkeyio/keepcore/pkg/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default on-device audit Store backend, grounded
// on the teacher's pkg/store/audit_store.go (append-only table,
// ordered by a monotonic id).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp_ms INTEGER NOT NULL,
			caller TEXT NOT NULL,
			request_type TEXT NOT NULL,
			event_kind INTEGER,
			decision TEXT NOT NULL,
			was_automatic INTEGER NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			policy_hash TEXT
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	var kind sql.NullInt64
	if e.EventKind != nil {
		kind = sql.NullInt64{Int64: int64(*e.EventKind), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TimestampMs, e.Caller, string(e.RequestType), kind, e.Decision, boolToInt(e.WasAutomatic), e.PreviousHash, e.EntryHash, nullableString(e.PolicyHash))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit: last insert id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries ORDER BY id DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) All(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: all: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *SQLiteStore) Page(ctx context.Context, limit, offset int, filterCaller string) ([]*Entry, error) {
	var rows *sql.Rows
	var err error
	if filterCaller != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
			FROM audit_entries WHERE caller = ? ORDER BY id ASC LIMIT ? OFFSET ?`, filterCaller, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
			FROM audit_entries ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: page: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoffMs int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, caller, request_type, event_kind, decision, was_automatic, previous_hash, entry_hash, policy_hash
		FROM audit_entries WHERE timestamp_ms < ? ORDER BY id ASC`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("audit: select prune candidates: %w", err)
	}
	pruned, err := scanEntries(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp_ms < ?`, cutoffMs); err != nil {
		return nil, fmt.Errorf("audit: delete pruned: %w", err)
	}
	return pruned, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var kind sql.NullInt64
	var policyHash sql.NullString
	var automatic int
	var requestType string
	if err := row.Scan(&e.ID, &e.TimestampMs, &e.Caller, &requestType, &kind, &e.Decision, &automatic, &e.PreviousHash, &e.EntryHash, &policyHash); err != nil {
		return nil, err
	}
	e.RequestType = domain.RequestType(requestType)
	if kind.Valid {
		k := int32(kind.Int64)
		e.EventKind = &k
	}
	e.WasAutomatic = automatic != 0
	e.PolicyHash = policyHash.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
