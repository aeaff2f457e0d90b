// Package approval implements the Approval Registry (spec.md §4.8): a
// bounded map from request_id to a one-shot response channel, with
// global and per-client concurrency caps and a timeout sweep.
//
// Grounded on the teacher's pkg/runtime/obligation/engine.go (exclusive
// lock around insert/lease/counter mutation, uuid-keyed records), with
// the lease-to-worker model replaced by a one-shot
// response-channel-per-request model since spec.md's approvals are
// resolved exactly once by whichever of {interactive adapter, timeout
// sweep, shutdown} reaches them first.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/permission"
	"github.com/privkeyio/keepcore/pkg/risk"
)

const (
	MaxPendingApprovals   = 10
	MaxConcurrentPerClient = 3
	ResponseTimeout        = 60 * time.Second
)

// Resolution is how a PendingApproval was settled.
type Resolution int

const (
	ResolvedAllow Resolution = iota
	ResolvedDeny
	ResolvedTimeout
	ResolvedShutdown
)

// Response is what a one-shot channel carries.
type Response struct {
	Resolution Resolution
	// PersistDuration, when set by the approver, asks the caller to
	// also persist a Permission Store grant/deny for this duration
	// (spec.md §4.11). Nil means "just this time".
	PersistDuration *permission.Duration
}

// PendingApproval is one request awaiting an interactive decision
// (spec.md §3).
type PendingApproval struct {
	RequestID    string
	Request      *domain.Request
	Caller       string
	IsConnect    bool
	RiskScore    risk.Score
	EnqueueMono  int64
	respond      chan Response
	respondOnce  sync.Once
}

// Respond resolves the approval exactly once; later calls are no-ops
// (spec.md §4.8).
func (p *PendingApproval) Respond(r Response) {
	p.respondOnce.Do(func() {
		p.respond <- r
		close(p.respond)
	})
}

var ErrCapacityExhausted = fmt.Errorf("approval: registry at capacity")

// Registry is the Approval Registry component. All state is
// in-process and discarded at shutdown (spec.md §3 Ownership).
type Registry struct {
	mu           sync.Mutex
	clock        clock.Clock
	pending      map[string]*PendingApproval
	perClient    map[string]int
	shuttingDown bool
}

func New(c clock.Clock) *Registry {
	return &Registry{
		clock:     c,
		pending:   make(map[string]*PendingApproval),
		perClient: make(map[string]int),
	}
}

// Enqueue admits a new PendingApproval under the global and per-client
// caps, all under a single exclusive lock to prevent over-admit under
// contention (spec.md §4.8).
func (r *Registry) Enqueue(caller string, req *domain.Request, isConnect bool, score risk.Score) (*PendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return nil, ErrCapacityExhausted
	}
	if len(r.pending) >= MaxPendingApprovals {
		return nil, ErrCapacityExhausted
	}
	if r.perClient[caller] >= MaxConcurrentPerClient {
		return nil, ErrCapacityExhausted
	}

	pa := &PendingApproval{
		RequestID:   uuid.New().String(),
		Request:     req,
		Caller:      caller,
		IsConnect:   isConnect,
		RiskScore:   score,
		EnqueueMono: r.clock.Mono(),
		respond:     make(chan Response, 1),
	}
	r.pending[pa.RequestID] = pa
	r.perClient[caller]++
	return pa, nil
}

// Get returns the pending approval for requestID, if still pending.
func (r *Registry) Get(requestID string) (*PendingApproval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pa, ok := r.pending[requestID]
	return pa, ok
}

// Await blocks (honoring ctx cancellation) until pa is resolved, by
// whichever of {Respond, the timeout sweep, Shutdown} reaches it
// first, then removes it from the registry and decrements both
// counters (spec.md §4.8).
func (r *Registry) Await(ctx context.Context, pa *PendingApproval) (Response, error) {
	select {
	case resp, ok := <-pa.respond:
		r.remove(pa)
		if !ok {
			return Response{Resolution: ResolvedTimeout}, nil
		}
		return resp, nil
	case <-ctx.Done():
		r.remove(pa)
		return Response{}, ctx.Err()
	}
}

func (r *Registry) remove(pa *PendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[pa.RequestID]; !ok {
		return
	}
	delete(r.pending, pa.RequestID)
	r.perClient[pa.Caller]--
	if r.perClient[pa.Caller] <= 0 {
		delete(r.perClient, pa.Caller)
	}
}

// SweepTimeouts resolves every PendingApproval older than
// ResponseTimeout as a timeout deny (spec.md §4.8, §7 Timeout). Uses
// the monotonic clock, consistent with the 60s hard timeout already
// being monotonic via context (authz.go) — a backward wall-clock jump
// must not delay this backstop sweep (DESIGN.md Open Question 1).
func (r *Registry) SweepTimeouts() {
	now := r.clock.Mono()
	r.mu.Lock()
	var expired []*PendingApproval
	for _, pa := range r.pending {
		if now-pa.EnqueueMono >= int64(ResponseTimeout) {
			expired = append(expired, pa)
		}
	}
	r.mu.Unlock()

	for _, pa := range expired {
		pa.Respond(Response{Resolution: ResolvedTimeout})
	}
}

// Shutdown resolves every outstanding PendingApproval as a shutdown
// deny (spec.md §3 Ownership, §4.8) and rejects any further Enqueue.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	var outstanding []*PendingApproval
	for _, pa := range r.pending {
		outstanding = append(outstanding, pa)
	}
	r.mu.Unlock()

	for _, pa := range outstanding {
		pa.Respond(Response{Resolution: ResolvedShutdown})
	}
}

// Len reports the number of currently pending approvals (for tests and metrics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
