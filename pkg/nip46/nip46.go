// Package nip46 implements the NIP-46 Session Manager (spec.md §4.9):
// the authorized-client set adapter the Authorization Engine drives,
// the per-client connect state machine, and the bounded nostrconnect
// FIFO queue that holds incoming connection offers until the bunker
// transport is ready to drain them.
//
// Grounded on the teacher's pkg/runtime/obligation/engine.go for the
// bounded-queue-with-drain shape (the same "admit under a lock, drain
// in FIFO order, tolerate a missing consumer as benign" pattern the
// obligation engine uses for pending leases) and
// pkg/api/middleware.go's golang.org/x/time/rate-paced visitor loop
// for pacing the drain so a burst of queued offers doesn't flood the
// transport on readiness.
package nip46

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/privkeyio/keepcore/pkg/keepconfig"
	"github.com/privkeyio/keepcore/pkg/permission"
)

// State is a remote client's position in the connect state machine
// (spec.md §4.9):
//
//	NEW --connect approved--> AUTHORIZED --revoke--> REMOVED
//	 |                             |
//	 +--connect denied--> NEW      +--request allowed/denied--> AUTHORIZED
type State int

const (
	StateNew State = iota
	StateAuthorized
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAuthorized:
		return "AUTHORIZED"
	case StateRemoved:
		return "REMOVED"
	default:
		return "NEW"
	}
}

// MaxQueueSize bounds the nostrconnect queue (spec.md §4.9).
const MaxQueueSize = 10

// NostrConnectRequest is a queued, not-yet-delivered connect offer
// (spec.md §4.9, §3).
type NostrConnectRequest struct {
	ClientPubkey string
	Relays       []string
	Secret       string
}

// SessionManager is the NIP-46 Session Manager component: the
// authorized_clients adapter (backed by pkg/keepconfig so the set is
// part of ConfigurationState per spec.md §3) plus the bounded
// nostrconnect queue.
type SessionManager struct {
	config *keepconfig.Config
	perms  *permission.Manager
	logger *slog.Logger

	mu    sync.Mutex
	queue []NostrConnectRequest

	limiter *rate.Limiter // paces queue drain on transport readiness
}

// New constructs a SessionManager. drainRate/drainBurst tune how fast
// queued nostrconnect offers are handed to the transport once it
// signals readiness (spec.md §4.9 doesn't fix a number; a slow,
// bursty transport should not be flooded with every queued offer at
// once).
func New(config *keepconfig.Config, perms *permission.Manager, logger *slog.Logger, drainRate rate.Limit, drainBurst int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		config:  config,
		perms:   perms,
		logger:  logger,
		limiter: rate.NewLimiter(drainRate, drainBurst),
	}
}

// IsAuthorized and Authorize satisfy pkg/authz.AuthorizedClients.
func (s *SessionManager) IsAuthorized(pubkey string) bool { return s.config.IsAuthorized(pubkey) }
func (s *SessionManager) Authorize(pubkey string)         { s.config.Authorize(pubkey) }

// StateOf reports pubkey's position in the connect state machine,
// derived from the authorized_clients set (spec.md §4.9 keeps no
// separate NEW/REMOVED record — both read back as "not currently in
// authorized_clients"; the audit chain, not this struct, records which
// transition produced that absence).
func (s *SessionManager) StateOf(pubkey string) State {
	if s.config.IsAuthorized(pubkey) {
		return StateAuthorized
	}
	return StateNew
}

// Revoke implements spec.md §4.9's revoke transition: remove pubkey
// from authorized_clients and delete every Permission Store grant
// keyed on "nip46:"+pubkey. Removing the authorization first means a
// crash between the two steps only ever narrows access, never widens
// it.
func (s *SessionManager) Revoke(ctx context.Context, callerKey, pubkey string) error {
	s.config.Revoke(pubkey)
	if err := s.perms.RevokeAll(ctx, callerKey); err != nil {
		return fmt.Errorf("nip46: revoke all grants for %s: %w", callerKey, err)
	}
	return nil
}

// OfferConnect enqueues a nostrconnect offer when the bunker transport
// is not yet ready to deliver it directly. Returns false if the queue
// is already at MaxQueueSize (spec.md §4.9: "offer returns false on
// overflow").
func (s *SessionManager) OfferConnect(req NostrConnectRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= MaxQueueSize {
		return false
	}
	s.queue = append(s.queue, req)
	return true
}

// QueueLen reports the number of currently queued offers (tests,
// metrics).
func (s *SessionManager) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Deliverer sends one queued connect offer over the now-ready
// transport.
type Deliverer interface {
	Deliver(req NostrConnectRequest) error
}

// ErrNoCapability is returned by a Deliverer that cannot currently
// deliver connect offers (spec.md §4.9: "tolerate
// transport-missing-capability as a benign failure").
var ErrNoCapability = errors.New("nip46: transport lacks connect-delivery capability")

// DrainQueue delivers every queued offer, in FIFO order, exactly once
// each, pacing each send through the configured rate limiter
// (spec.md §4.9: "the core must pass exactly one attempt per
// request"). A delivery error other than ErrNoCapability is logged and
// the offer is still dropped — nothing in spec.md asks for
// redelivery, and retrying against a transport that just failed risks
// the same "queue floods a flaky transport" problem the rate limiter
// exists to avoid.
func (s *SessionManager) DrainQueue(ctx context.Context, d Deliverer) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, req := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			s.logger.Warn("nip46: drain cancelled", "error", err, "remaining", len(pending))
			return
		}
		if err := d.Deliver(req); err != nil {
			if errors.Is(err, ErrNoCapability) {
				s.logger.Info("nip46: dropping queued connect offer, transport lacks capability", "client_pubkey", req.ClientPubkey)
				continue
			}
			s.logger.Warn("nip46: failed to deliver queued connect offer", "error", err, "client_pubkey", req.ClientPubkey)
		}
	}
}
