// Package velocity implements the Velocity Tracker (spec.md §4.5):
// persistent hour/day/week request counters per caller, checked and
// recorded atomically.
//
// Grounded on the teacher's pkg/budget/enforcer.go (fail-closed
// check-then-record over a pluggable Storage interface) and
// pkg/budget/risk_budget.go's multi-window accounting, narrowed from
// budget/cost tracking to spec.md's fixed hour/day/week request caps.
package velocity

import (
	"context"
	"fmt"
	"time"
)

const (
	HourLimit = 100
	DayLimit  = 500
	WeekLimit = 2000
)

// Outcome is the result of CheckAndRecord.
type Outcome int

const (
	Allowed Outcome = iota
	Blocked
)

// Result carries the outcome plus, for Blocked, the reason and the
// wall-clock time the window resets (spec.md §4.5).
type Result struct {
	Outcome   Outcome
	Reason    string // "hour" | "day" | "week"
	ResetAtMs int64
}

// Store persists one row per recorded request, keyed by caller with
// event_kind retained for display/audit purposes only — the hour/day/
// week caps are per-caller totals, not per-(caller, event_kind)
// (spec.md §2: "Rolling per-caller counters over hour/day/week
// windows"), so counting must aggregate across every kind a caller has
// used.
type Store interface {
	// CountSince returns the number of rows for caller, across every
	// event_kind, with timestamp_ms >= sinceMs.
	CountSince(ctx context.Context, caller string, sinceMs int64) (int, error)

	// Insert records one request at timestampMs.
	Insert(ctx context.Context, caller string, eventKind int32, timestampMs int64) error

	// DeleteOlderThan removes rows with timestamp_ms before cutoffMs and
	// returns the count removed.
	DeleteOlderThan(ctx context.Context, cutoffMs int64) (int, error)

	Close() error
}

// Tracker is the Velocity Tracker component.
type Tracker struct {
	store Store
	now   func() time.Time
}

func New(store Store, now func() time.Time) *Tracker {
	return &Tracker{store: store, now: now}
}

// CheckAndRecord implements spec.md §4.5: check hour → day → week,
// returning on the first breach; on pass, insert the new entry and
// delete entries older than one week — all logically one transaction,
// which the Store implementation provides.
func (t *Tracker) CheckAndRecord(ctx context.Context, caller string, eventKind int32) (Result, error) {
	now := t.now()
	nowMs := now.UnixMilli()

	windows := []struct {
		reason string
		window time.Duration
		limit  int
	}{
		{"hour", time.Hour, HourLimit},
		{"day", 24 * time.Hour, DayLimit},
		{"week", 7 * 24 * time.Hour, WeekLimit},
	}

	for _, w := range windows {
		sinceMs := now.Add(-w.window).UnixMilli()
		count, err := t.store.CountSince(ctx, caller, sinceMs)
		if err != nil {
			return Result{}, fmt.Errorf("velocity: count %s window: %w", w.reason, err)
		}
		if count >= w.limit {
			return Result{
				Outcome:   Blocked,
				Reason:    w.reason,
				ResetAtMs: sinceMs + int64(w.window/time.Millisecond) + 1,
			}, nil
		}
	}

	if err := t.store.Insert(ctx, caller, eventKind, nowMs); err != nil {
		return Result{}, fmt.Errorf("velocity: insert: %w", err)
	}
	cutoff := now.Add(-7 * 24 * time.Hour).UnixMilli()
	if _, err := t.store.DeleteOlderThan(ctx, cutoff); err != nil {
		return Result{}, fmt.Errorf("velocity: cleanup: %w", err)
	}

	return Result{Outcome: Allowed}, nil
}

func (t *Tracker) Close() error { return t.store.Close() }
