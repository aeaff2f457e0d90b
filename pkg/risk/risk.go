// Package risk implements the Risk Assessor (spec.md §4.7): a weighted,
// advisory scoring function that attaches a suggested authentication
// level to a PendingApproval. The assessor never gates anything
// itself — the score is informational for whatever UI drives the
// actual auth prompt.
//
// Grounded on the teacher's pkg/budget/risk_budget.go (weighted-factor
// scoring over a mutex-guarded per-tenant map), narrowed from its
// risk-budget/autonomy-shrink model to spec.md's fixed five-factor
// additive score.
package risk

import (
	"sync"
	"time"

	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
)

// AuthLevel is the suggested authentication strength for a PendingApproval.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthPIN
	AuthBiometric
	AuthExplicit
)

func (l AuthLevel) String() string {
	switch l {
	case AuthExplicit:
		return "EXPLICIT"
	case AuthBiometric:
		return "BIOMETRIC"
	case AuthPIN:
		return "PIN"
	default:
		return "NONE"
	}
}

// Weights per spec.md §4.7.
const (
	weightSensitiveKind    = 40
	weightFirstTimeKind    = 15
	weightHighFrequency    = 20
	weightUnusualHour      = 10
	weightNewApp           = 15
	highFrequencyThreshold = 10
	highFrequencyWindow    = 60 * time.Second
	maxTrackedPackages     = 500
)

// Score is the outcome of Assess.
type Score struct {
	Value     int
	AuthLevel AuthLevel
}

func levelFor(value int) AuthLevel {
	switch {
	case value >= 60:
		return AuthExplicit
	case value >= 40:
		return AuthBiometric
	case value >= 20:
		return AuthPIN
	default:
		return AuthNone
	}
}

type callerHistory struct {
	seenKinds       map[int32]bool
	recentRequests  []int64 // monotonic ns, within highFrequencyWindow
	firstSeenMono   int64
	lastActiveMono  int64
}

// Assessor is the Risk Assessor component. All state is in-process
// (spec.md §4.7: frequency windows are per-caller and monotonic-based).
type Assessor struct {
	mu      sync.Mutex
	clock   clock.Clock
	history map[string]*callerHistory
	// hasAppSettings reports whether caller has an existing app-settings
	// row; absence counts toward the "new app" factor. Supplied by the
	// host, since app-settings storage lives outside this package.
	hasAppSettings func(caller string) bool
}

func New(c clock.Clock, hasAppSettings func(caller string) bool) *Assessor {
	return &Assessor{
		clock:          c,
		history:        make(map[string]*callerHistory),
		hasAppSettings: hasAppSettings,
	}
}

// Assess computes the weighted score for one request and records it
// for future frequency/first-seen tracking (spec.md §4.7).
func (a *Assessor) Assess(caller string, eventKind int32) Score {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Mono()
	h := a.historyFor(caller, now)

	score := 0
	if domain.IsSensitiveKind(eventKind) {
		score += weightSensitiveKind
	}
	if !h.seenKinds[eventKind] {
		score += weightFirstTimeKind
	}
	h.seenKinds[eventKind] = true

	h.recentRequests = pruneOlderThan(h.recentRequests, now-int64(highFrequencyWindow))
	h.recentRequests = append(h.recentRequests, now)
	if len(h.recentRequests) > highFrequencyThreshold {
		score += weightHighFrequency
	}

	wallHour := a.clock.Now().Hour()
	if wallHour < 6 || wallHour >= 23 {
		score += weightUnusualHour
	}

	firstSeenRecently := now-h.firstSeenMono < int64(24*time.Hour)
	if firstSeenRecently || !a.hasAppSettings(caller) {
		score += weightNewApp
	}

	h.lastActiveMono = now

	if score > 100 {
		score = 100
	}
	return Score{Value: score, AuthLevel: levelFor(score)}
}

func (a *Assessor) historyFor(caller string, now int64) *callerHistory {
	if h, ok := a.history[caller]; ok {
		return h
	}
	if len(a.history) >= maxTrackedPackages {
		a.evictOldestLocked()
	}
	h := &callerHistory{seenKinds: make(map[int32]bool), firstSeenMono: now}
	a.history[caller] = h
	return h
}

func (a *Assessor) evictOldestLocked() {
	var oldestKey string
	var oldestMono int64
	first := true
	for k, h := range a.history {
		if first || h.lastActiveMono < oldestMono {
			oldestKey = k
			oldestMono = h.lastActiveMono
			first = false
		}
	}
	if !first {
		delete(a.history, oldestKey)
	}
}

func pruneOlderThan(timestamps []int64, cutoff int64) []int64 {
	i := 0
	for i < len(timestamps) && timestamps[i] < cutoff {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0:0], timestamps[i:]...)
}
