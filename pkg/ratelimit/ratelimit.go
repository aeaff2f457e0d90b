// Package ratelimit implements the Rate Limiter (spec.md §4.4):
// per-client sliding windows with exponential backoff, plus a global
// sliding window, entirely in-process (spec.md §3 Ownership — discarded
// at shutdown, never persisted).
//
// Grounded on the teacher's pkg/guardian/temporal.go
// (ControllabilityEnvelope: sliding window of timestamps pruned on
// every read, clock-injected), narrowed from its 5-level graded
// escalation ladder to spec.md's two-tier allow/reject-with-backoff
// model.
package ratelimit

import (
	"sync"
	"time"

	"github.com/privkeyio/keepcore/pkg/clock"
)

const (
	windowDuration     = 60 * time.Second
	perClientOverflow  = 30
	backoffBase        = time.Second
	backoffMax         = 60 * time.Second
	backoffMaxShift    = 6
	globalDequeCap     = 200
	globalRejectAt     = 100
	maxTrackedClients  = 1000
)

// Decision is the outcome of Check.
type Decision int

const (
	Allowed Decision = iota
	Rejected
)

type clientState struct {
	history             []int64 // monotonic ns timestamps within window
	backoffUntilMono    int64
	consecutiveOverflow int
	lastActivityMono    int64
}

// Limiter is the Rate Limiter component.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	clients map[string]*clientState
	global  []int64 // monotonic ns timestamps, bounded deque
}

func New(c clock.Clock) *Limiter {
	return &Limiter{
		clock:   c,
		clients: make(map[string]*clientState),
	}
}

// Check records an attempted request for caller and reports whether it
// is allowed under both the per-client and global windows (spec.md
// §4.4). Call RecordSuccess after a user approves the request so the
// client's backoff streak resets.
func (l *Limiter) Check(caller string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Mono()

	if l.globalCheck(now) == Rejected {
		return Rejected
	}

	cs := l.clientFor(caller, now)
	cs.lastActivityMono = now

	if cs.backoffUntilMono > now {
		return Rejected
	}

	cs.history = pruneWindow(cs.history, now)

	if len(cs.history) >= perClientOverflow {
		shift := cs.consecutiveOverflow
		if shift > backoffMaxShift {
			shift = backoffMaxShift
		}
		backoff := backoffBase << uint(shift)
		if backoff > backoffMax {
			backoff = backoffMax
		}
		cs.backoffUntilMono = now + int64(backoff)
		cs.consecutiveOverflow++
		return Rejected
	}

	cs.history = append(cs.history, now)
	l.global = append(l.global, now)
	if len(l.global) > globalDequeCap {
		l.global = l.global[len(l.global)-globalDequeCap:]
	}

	return Allowed
}

// globalCheck must be called with mu held. It prunes the global window
// and reports Rejected if the 60s window already holds
// globalRejectAt-or-more requests.
func (l *Limiter) globalCheck(now int64) Decision {
	l.global = pruneWindow(l.global, now)
	if len(l.global) >= globalRejectAt {
		return Rejected
	}
	return Allowed
}

// RecordSuccess resets the consecutive-overflow streak for caller
// after an interactively-approved request (spec.md §4.4).
func (l *Limiter) RecordSuccess(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.clients[caller]; ok {
		cs.consecutiveOverflow = 0
	}
}

// clientFor returns caller's state, creating it (and evicting the
// oldest-activity client if the tracking set is at capacity) if
// necessary. Must be called with mu held.
func (l *Limiter) clientFor(caller string, now int64) *clientState {
	if cs, ok := l.clients[caller]; ok {
		return cs
	}
	if len(l.clients) >= maxTrackedClients {
		l.evictOldest()
	}
	cs := &clientState{lastActivityMono: now}
	l.clients[caller] = cs
	return cs
}

// evictOldest removes the client with the oldest lastActivityMono.
// Must be called with mu held.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestMono int64
	first := true
	for k, cs := range l.clients {
		if first || cs.lastActivityMono < oldestMono {
			oldestKey = k
			oldestMono = cs.lastActivityMono
			first = false
		}
	}
	if !first {
		delete(l.clients, oldestKey)
	}
}

// pruneWindow drops timestamps older than windowDuration relative to now.
func pruneWindow(history []int64, now int64) []int64 {
	cutoff := now - int64(windowDuration)
	i := 0
	for i < len(history) && history[i] < cutoff {
		i++
	}
	if i == 0 {
		return history
	}
	return append(history[:0:0], history[i:]...)
}
