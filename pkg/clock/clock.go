// Package clock provides the Clock capability used across keepcore.
//
// Per spec.md §9 Design Notes, persisted expiries must be resistant to
// system clock jumps while in-memory windows must never go backwards.
// Clock exposes both a wall-clock reading (for persisted created_at/
// expires_at comparisons, with a backward-jump guard applied by
// callers) and a monotonic reading (for in-memory windows: rate
// limiter backoff, nonce TTL, risk-assessor frequency windows,
// approval timeouts).
package clock

import "time"

// Clock is the time capability injected into every component that
// needs it. Production code uses System; tests use a Fake.
type Clock interface {
	// Now returns the current wall-clock time, suitable for persisted
	// timestamps. It is NOT guaranteed monotonic.
	Now() time.Time

	// Mono returns a monotonic reading in nanoseconds since an
	// unspecified epoch. Only differences between two Mono() calls
	// are meaningful; the absolute value carries no information.
	Mono() int64
}

// System is the default Clock backed by the OS wall and monotonic
// clocks (time.Now() carries both in its internal representation on
// all supported platforms).
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Mono() int64 { return monoNow() }

var processStart = time.Now()

// monoNow derives a monotonic nanosecond counter from time.Since,
// which Go guarantees uses the monotonic reading embedded in
// time.Time values produced by time.Now().
func monoNow() int64 {
	return int64(time.Since(processStart))
}
