package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/seal"

	_ "modernc.org/sqlite"
)

// sealedPayload is the part of a Permission row that gets
// encrypted-at-rest: everything except the key columns needed for
// WHERE-clause lookups (caller, request_type, event_kind).
type sealedPayload struct {
	Decision  Decision   `json:"decision"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SQLiteStore is the default on-device Permission Store backend,
// grounded on the teacher's pkg/store/receipt_store_sqlite.go
// (modernc.org/sqlite, migrate-on-open) and pkg/credentials/store.go
// (encrypt/decrypt column pattern).
type SQLiteStore struct {
	db     *sql.DB
	sealer *seal.Sealer
}

// NewSQLiteStore opens (or creates) the permissions table in db and
// wires row encryption through sealer.
func NewSQLiteStore(db *sql.DB, sealer *seal.Sealer) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS permissions (
			caller TEXT NOT NULL,
			request_type TEXT NOT NULL,
			event_kind INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (caller, request_type, event_kind)
		)`)
	if err != nil {
		return fmt.Errorf("permission: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) (*Permission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM permissions WHERE caller = ? AND request_type = ? AND event_kind = ?`,
		caller, string(requestType), eventKind)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("permission: get: %w", err)
	}
	payload, err := s.unseal(blob)
	if err != nil {
		return nil, err
	}
	return &Permission{
		Caller:      caller,
		RequestType: requestType,
		EventKind:   eventKind,
		Decision:    payload.Decision,
		CreatedAt:   payload.CreatedAt,
		ExpiresAt:   payload.ExpiresAt,
	}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, p *Permission) error {
	blob, err := s.reseal(sealedPayload{Decision: p.Decision, CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (caller, request_type, event_kind, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (caller, request_type, event_kind) DO UPDATE SET payload = excluded.payload`,
		p.Caller, string(p.RequestType), p.EventKind, blob)
	if err != nil {
		return fmt.Errorf("permission: set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE caller = ? AND request_type = ? AND event_kind = ?`,
		caller, string(requestType), eventKind)
	if err != nil {
		return fmt.Errorf("permission: revoke: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokeAll(ctx context.Context, caller string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE caller = ?`, caller)
	if err != nil {
		return fmt.Errorf("permission: revoke_all: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT caller, request_type, event_kind, payload FROM permissions`)
	if err != nil {
		return nil, fmt.Errorf("permission: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanAll(rows)
}

func (s *SQLiteStore) ListFor(ctx context.Context, caller string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT caller, request_type, event_kind, payload FROM permissions WHERE caller = ?`, caller)
	if err != nil {
		return nil, fmt.Errorf("permission: list_for: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanAll(rows)
}

func (s *SQLiteStore) scanAll(rows *sql.Rows) ([]*Permission, error) {
	var out []*Permission
	for rows.Next() {
		var caller, reqType string
		var eventKind int32
		var blob []byte
		if err := rows.Scan(&caller, &reqType, &eventKind, &blob); err != nil {
			return nil, fmt.Errorf("permission: scan: %w", err)
		}
		payload, err := s.unseal(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, &Permission{
			Caller:      caller,
			RequestType: domain.RequestType(reqType),
			EventKind:   eventKind,
			Decision:    payload.Decision,
			CreatedAt:   payload.CreatedAt,
			ExpiresAt:   payload.ExpiresAt,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range all {
		if p.IsExpired(now) {
			if err := s.Revoke(ctx, p.Caller, p.RequestType, p.EventKind); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) reseal(p sealedPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("permission: marshal payload: %w", err)
	}
	return s.sealer.Seal(raw)
}

func (s *SQLiteStore) unseal(blob []byte) (*sealedPayload, error) {
	raw, err := s.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("permission: decrypt payload: %w", err)
	}
	var p sealedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("permission: unmarshal payload: %w", err)
	}
	return &p, nil
}
