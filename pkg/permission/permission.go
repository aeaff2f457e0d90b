// Package permission implements the Permission Store (spec.md §4.2):
// persistent grant/deny/ask decisions keyed by
// (caller, request_type, event_kind) with expiry.
//
// Grounded on the teacher's pkg/credentials/store.go (encrypted-at-rest
// row pattern over database/sql) and pkg/budget's Storage interface
// (pluggable backend, upsert-by-key, fail-closed reads). Two concrete
// backends are provided in sibling files: sqlite.go (modernc.org/sqlite,
// the default on-device backend) and postgres.go (lib/pq, for
// operators running the core against a managed database).
package permission

import (
	"context"
	"errors"
	"time"

	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
)

// Decision is the stored verdict for a permission row.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
	Ask   Decision = "ASK"
)

// Duration is the caller-chosen persistence window for a grant/deny.
// FOREVER is silently downgraded to ONE_DAY for sensitive kinds at
// grant time (spec.md §3).
type Duration int

const (
	JustThisTime Duration = iota
	OneHour
	OneDay
	OneWeek
	Forever
)

// TTL returns the wall-clock duration for d, or nil for JustThisTime
// (never persisted) and Forever (no expiry).
func (d Duration) TTL() *time.Duration {
	var t time.Duration
	switch d {
	case OneHour:
		t = time.Hour
	case OneDay:
		t = 24 * time.Hour
	case OneWeek:
		t = 7 * 24 * time.Hour
	default:
		return nil
	}
	return &t
}

// Permission is one stored row (spec.md §3).
type Permission struct {
	Caller      string // canonical CallerIdentity.Key()
	RequestType domain.RequestType
	EventKind   int32 // domain.AnyKind for "any kind"
	Decision    Decision
	CreatedAt   time.Time
	ExpiresAt   *time.Time // nil = no expiry
}

// IsExpired reports whether p is expired as of now, applying the
// backward-jump guard from spec.md §4.2: a now that is before
// CreatedAt is itself treated as an expired read (the clock went
// backwards, so we cannot trust that the row is still fresh).
func (p *Permission) IsExpired(now time.Time) bool {
	if now.Before(p.CreatedAt) {
		return true
	}
	if p.ExpiresAt == nil {
		return false
	}
	return !now.Before(*p.ExpiresAt)
}

var ErrNotFound = errors.New("permission: not found")

// Store is the persistence contract every backend implements.
type Store interface {
	// Get returns the active permission for the exact
	// (caller, requestType, eventKind) key, or ErrNotFound.
	Get(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) (*Permission, error)

	// Set inserts or replaces the row for (caller, requestType, eventKind)
	// — at most one Permission per key (spec.md §3 uniqueness invariant).
	Set(ctx context.Context, p *Permission) error

	// Revoke deletes the row for (caller, requestType, eventKind).
	Revoke(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) error

	// RevokeAll deletes every row for caller.
	RevokeAll(ctx context.Context, caller string) error

	// List returns every stored row, expired rows included (the SQL
	// backends' CleanupExpired finds expired rows through it).
	List(ctx context.Context) ([]*Permission, error)

	// ListFor returns every stored row for caller, expired rows
	// included.
	ListFor(ctx context.Context, caller string) ([]*Permission, error)

	// CleanupExpired deletes rows whose expiry has passed as of now.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Manager wraps a Store with the grant/deny/ask/lookup semantics from
// spec.md §4.2, including the sensitive-kind FOREVER downgrade and the
// most-specific-then-generic lookup spec.md §4.1 step 5 needs.
type Manager struct {
	store Store
	clock clock.Clock
}

func NewManager(store Store, c clock.Clock) *Manager {
	return &Manager{store: store, clock: c}
}

// Lookup implements the two-step lookup from spec.md §4.1 step 5:
// try the exact (caller, requestType, eventKind) row; if absent and
// eventKind is not sensitive, fall back to the generic (AnyKind) row.
// Sensitive kinds never match a generic permission (spec.md §8 inv 6).
func (m *Manager) Lookup(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) (*Permission, error) {
	p, err := m.getActive(ctx, caller, requestType, eventKind)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if eventKind == domain.AnyKind || domain.IsSensitiveKind(eventKind) {
		return nil, ErrNotFound
	}
	return m.getActive(ctx, caller, requestType, domain.AnyKind)
}

func (m *Manager) getActive(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) (*Permission, error) {
	p, err := m.store.Get(ctx, caller, requestType, eventKind)
	if err != nil {
		return nil, err
	}
	if p.IsExpired(m.clock.Now()) {
		return nil, ErrNotFound
	}
	return p, nil
}

// Grant stores an ALLOW decision, applying the sensitive-kind FOREVER
// downgrade (spec.md §3, §8 inv 7).
func (m *Manager) Grant(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32, duration Duration) error {
	return m.set(ctx, caller, requestType, eventKind, Allow, duration)
}

// DenyPersist stores a DENY decision.
func (m *Manager) DenyPersist(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32, duration Duration) error {
	return m.set(ctx, caller, requestType, eventKind, Deny, duration)
}

// SetAsk stores an ASK decision (the caller must be prompted every
// time, but the row is kept for UI purposes such as per-app overrides).
func (m *Manager) SetAsk(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) error {
	return m.set(ctx, caller, requestType, eventKind, Ask, JustThisTime)
}

func (m *Manager) set(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32, decision Decision, duration Duration) error {
	if decision == Allow && domain.IsSensitiveKind(eventKind) && duration == Forever {
		duration = OneDay
	}
	now := m.clock.Now()
	p := &Permission{
		Caller:      caller,
		RequestType: requestType,
		EventKind:   eventKind,
		Decision:    decision,
		CreatedAt:   now,
	}
	if ttl := duration.TTL(); ttl != nil {
		exp := now.Add(*ttl)
		p.ExpiresAt = &exp
	} else if duration == JustThisTime {
		// JustThisTime must never be persisted past this call's
		// caller-side decision; store it with a zero TTL so it reads
		// as immediately expired rather than lingering.
		exp := now
		p.ExpiresAt = &exp
	}
	return m.store.Set(ctx, p)
}

// Revoke removes the row for the exact key.
func (m *Manager) Revoke(ctx context.Context, caller string, requestType domain.RequestType, eventKind int32) error {
	return m.store.Revoke(ctx, caller, requestType, eventKind)
}

// RevokeAll removes every row for caller — used when a NIP-46 client
// is revoked (spec.md §4.9, §8 inv 8).
func (m *Manager) RevokeAll(ctx context.Context, caller string) error {
	return m.store.RevokeAll(ctx, caller)
}

func (m *Manager) List(ctx context.Context) ([]*Permission, error) { return m.store.List(ctx) }

func (m *Manager) ListFor(ctx context.Context, caller string) ([]*Permission, error) {
	return m.store.ListFor(ctx, caller)
}

// CleanupExpired lazily deletes expired rows (spec.md §4.2).
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.CleanupExpired(ctx, m.clock.Now())
}

func (m *Manager) Close() error { return m.store.Close() }
