// Package audit implements the Audit Chain (spec.md §4.3): an
// append-only, HMAC-chained log of every authorization decision, with
// end-to-end verification against offline tampering.
//
// Grounded on the teacher's pkg/guardian/audit.go (AuditLog with
// PreviousHash/Hash linkage, VerifyChain) and pkg/store/audit_store.go
// (SQL persistence of the same entries), upgraded from a plain SHA-256
// content hash to an HMAC-SHA256 keyed hash per spec.md §3 so that an
// attacker with read/write access to the store, but not the key, still
// cannot forge a consistent chain.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/telemetry"
)

// Entry is one tamper-evident log record (spec.md §3).
type Entry struct {
	ID            int64
	TimestampMs   int64
	Caller        string
	RequestType   domain.RequestType
	EventKind     *int32 // nil encodes as "" in the hash per spec.md §3
	Decision      string // "allow" | "deny"
	WasAutomatic  bool
	PreviousHash  string // "" for the first entry, or a legacy row
	EntryHash     string
	PolicyHash    string // optional column, persisted and read back by the SQL stores; Chain.Append never sets it, so entries it writes leave it empty
}

// eventKindField renders EventKind the way the hash formula requires:
// absent fields encode as the empty string (spec.md §3).
func (e *Entry) eventKindField() string {
	if e.EventKind == nil {
		return ""
	}
	return strconv.FormatInt(int64(*e.EventKind), 10)
}

func (e *Entry) automaticField() string {
	if e.WasAutomatic {
		return "true"
	}
	return "false"
}

// computeHash implements spec.md §3's exact formula:
//
//	HMAC-SHA256(K, previous_hash|caller|request_type|event_kind|decision|timestamp_ms|was_automatic)
func computeHash(key []byte, previousHash, caller string, requestType domain.RequestType, eventKindField, decision string, timestampMs int64, automaticField string) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s|%d|%s",
		previousHash, caller, requestType, eventKindField, decision, timestampMs, automaticField)
	return hex.EncodeToString(mac.Sum(nil))
}

// Store is the persistence contract for audit entries.
type Store interface {
	// Append persists entry, assigning it an ID. Must run inside the
	// same transaction as the caller's own state mutation when one is
	// supplied via ctx (spec.md §5's with_transaction requirement);
	// backends that cannot participate in a shared transaction document
	// why that is safe to weaken (see DESIGN.md).
	Append(ctx context.Context, entry *Entry) error

	// Last returns the most recently appended entry, or nil if the log
	// is empty.
	Last(ctx context.Context) (*Entry, error)

	// All returns every entry in insertion order, oldest first.
	All(ctx context.Context) ([]*Entry, error)

	// Page returns up to limit entries starting at offset (insertion
	// order), optionally filtered to a single caller (spec.md §4.3
	// get_page).
	Page(ctx context.Context, limit, offset int, filterCaller string) ([]*Entry, error)

	// DeleteOlderThan removes entries with timestamp_ms before cutoffMs
	// and returns the removed entries (spec.md §4.3 retention). The
	// caller is responsible for recording the distinguished pruning
	// event.
	DeleteOlderThan(ctx context.Context, cutoffMs int64) ([]*Entry, error)

	Close() error
}

// VerifyStatus is the outcome of Verify (spec.md §4.3).
type VerifyStatus int

const (
	Valid VerifyStatus = iota
	PartiallyVerified
	Truncated
	Broken
	Tampered
)

func (s VerifyStatus) String() string {
	switch s {
	case Valid:
		return "valid"
	case PartiallyVerified:
		return "partially_verified"
	case Truncated:
		return "truncated"
	case Broken:
		return "broken"
	case Tampered:
		return "tampered"
	default:
		return "unknown"
	}
}

// VerifyResult carries the status plus the identifying detail spec.md
// §4.3 requires for each non-Valid outcome.
type VerifyResult struct {
	Status      VerifyStatus
	NLegacy     int   // PartiallyVerified: count of skipped legacy (empty entry_hash) entries
	FirstID     int64 // Truncated: id of the first verified entry
	BrokenID    int64 // Broken: id of the entry whose link/hash failed
	TamperedID  int64 // Tampered: id of the entry whose recomputed hash mismatches
}

// Chain is the Audit Chain component: Store plus the HMAC key and the
// chain-maintenance logic from spec.md §4.3.
type Chain struct {
	store     Store
	clock     clock.Clock
	key       []byte // 32-byte HMAC key, provisioned once (spec.md §3)
	sink      ArchiveSink
	telemetry *telemetry.Provider
}

// NewChain constructs a Chain. key must be the 32-byte HMAC key
// provisioned via pkg/seal.ProvisionOnce and retained for the life of
// the store (spec.md §3). Pruned entries are discarded; use
// NewChainWithArchive to archive them instead.
func NewChain(store Store, c clock.Clock, key []byte) *Chain {
	return &Chain{store: store, clock: c, key: key, sink: NullSink{}, telemetry: disabledTelemetry()}
}

// NewChainWithArchive wires sink as the destination for entries
// removed by Prune (SPEC_FULL.md §4.3.a); failures to archive are
// logged via logger and otherwise swallowed.
func NewChainWithArchive(store Store, c clock.Clock, key []byte, sink ArchiveSink, logger *slog.Logger) *Chain {
	return &Chain{store: store, clock: c, key: key, sink: archiveBestEffort(sink, logger), telemetry: disabledTelemetry()}
}

// WithTelemetry attaches a telemetry provider so Verify reports how
// many entries each run examined. Returns c for chaining at
// construction time.
func (c *Chain) WithTelemetry(tp *telemetry.Provider) *Chain {
	if tp != nil {
		c.telemetry = tp
	}
	return c
}

func disabledTelemetry() *telemetry.Provider {
	tp, _ := telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	return tp
}

// Append records one authorization decision, linking it to the prior
// entry's hash (spec.md §4.3). It must be called within the same
// logical transaction as any accompanying state mutation (grant,
// revoke, velocity insert); see DESIGN.md for how each Store
// implementation honors that.
func (c *Chain) Append(ctx context.Context, caller string, requestType domain.RequestType, eventKind *int32, decision string, wasAutomatic bool) (*Entry, error) {
	last, err := c.store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read last entry: %w", err)
	}
	prevHash := ""
	if last != nil {
		prevHash = last.EntryHash
	}

	entry := &Entry{
		TimestampMs:  c.clock.Now().UnixMilli(),
		Caller:       caller,
		RequestType:  requestType,
		EventKind:    eventKind,
		Decision:     decision,
		WasAutomatic: wasAutomatic,
		PreviousHash: prevHash,
	}
	entry.EntryHash = computeHash(c.key, prevHash, caller, requestType, entry.eventKindField(), decision, entry.TimestampMs, entry.automaticField())

	if err := c.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// AppendPrune records the distinguished pruning event spec.md §4.3
// requires. Prune calls it after the old entries have been deleted, so
// the chain itself documents the truncation that just happened.
func (c *Chain) AppendPrune(ctx context.Context, nPruned int) (*Entry, error) {
	return c.Append(ctx, "core", "AUDIT_PRUNE", nil, fmt.Sprintf("pruned:%d", nPruned), true)
}

// Verify walks the chain in insertion order and classifies it per the
// state machine in spec.md §4.3.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := c.store.All(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: verify: %w", err)
	}
	c.telemetry.RecordAuditVerification(ctx, len(entries))
	if len(entries) == 0 {
		return VerifyResult{Status: Valid}, nil
	}

	nLegacy := 0
	i := 0
	for i < len(entries) && entries[i].EntryHash == "" {
		nLegacy++
		i++
	}
	if i == len(entries) {
		// Every entry is a legacy stub; nothing to cryptographically verify.
		return VerifyResult{Status: PartiallyVerified, NLegacy: nLegacy}, nil
	}

	first := entries[i]
	recomputed := computeHash(c.key, first.PreviousHash, first.Caller, first.RequestType, first.eventKindField(), first.Decision, first.TimestampMs, first.automaticField())
	if !hmac.Equal([]byte(recomputed), []byte(first.EntryHash)) {
		if first.PreviousHash == "" {
			// Genuine chain head: its fields no longer match its hash.
			return VerifyResult{Status: Tampered, TamperedID: first.ID}, nil
		}
		return VerifyResult{Status: Broken, BrokenID: first.ID}, nil
	}
	truncated := first.PreviousHash != ""
	firstID := first.ID

	for j := i + 1; j < len(entries); j++ {
		prev := entries[j-1]
		cur := entries[j]
		if !hmac.Equal([]byte(cur.PreviousHash), []byte(prev.EntryHash)) {
			return VerifyResult{Status: Broken, BrokenID: cur.ID}, nil
		}
		recomputed := computeHash(c.key, cur.PreviousHash, cur.Caller, cur.RequestType, cur.eventKindField(), cur.Decision, cur.TimestampMs, cur.automaticField())
		if !hmac.Equal([]byte(recomputed), []byte(cur.EntryHash)) {
			return VerifyResult{Status: Tampered, TamperedID: cur.ID}, nil
		}
	}

	switch {
	case truncated:
		return VerifyResult{Status: Truncated, FirstID: firstID, NLegacy: nLegacy}, nil
	case nLegacy > 0:
		return VerifyResult{Status: PartiallyVerified, NLegacy: nLegacy}, nil
	default:
		return VerifyResult{Status: Valid}, nil
	}
}

// GetPage exposes paginated export (spec.md §4.3), capped at 100 rows
// per call.
func (c *Chain) GetPage(ctx context.Context, limit, offset int, filterCaller string) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return c.store.Page(ctx, limit, offset, filterCaller)
}

// Prune removes entries older than 30 days, then records a
// distinguished prune event so the remaining chain documents the gap
// (spec.md §4.3), then hands the removed entries to the archive sink.
func (c *Chain) Prune(ctx context.Context) ([]*Entry, error) {
	cutoff := c.clock.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	pruned, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit: prune: %w", err)
	}
	if len(pruned) > 0 {
		if _, err := c.AppendPrune(ctx, len(pruned)); err != nil {
			return pruned, fmt.Errorf("audit: record prune event: %w", err)
		}
		_ = c.sink.Archive(ctx, pruned)
	}
	return pruned, nil
}

func (c *Chain) Close() error { return c.store.Close() }
