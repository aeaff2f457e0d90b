// Package callerverify implements the Caller Verifier (spec.md §4.6):
// trust-on-first-use signature pinning for local callers, plus a
// bounded nonce store for NIP-46 connection handshakes.
//
// Grounded on the teacher's pkg/identity/keyset.go (bounded in-memory
// map with mutex-guarded rotation/eviction) and pkg/crypto/keyring.go's
// key-material handling conventions, adapted from signing-key rotation
// to signature-hash pinning — the verifier never signs anything, it
// only compares.
package callerverify

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/privkeyio/keepcore/pkg/clock"
)

// Result is the outcome of VerifyOrTrust.
type Result int

const (
	Verified Result = iota
	FirstUseRequiresApproval
	SignatureMismatch
	NotInstalled
)

// TrustStore persists the trusted signature hash per package name.
// The core never reads the OS package registry itself (spec.md §1
// Non-goals); PackageLookup below is the host-supplied capability that
// does.
type TrustStore interface {
	Get(packageName string) (signatureHash string, ok bool)
	Set(packageName, signatureHash string)
}

// MemoryTrustStore is an in-process TrustStore.
type MemoryTrustStore struct {
	mu    sync.RWMutex
	trust map[string]string
}

func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{trust: make(map[string]string)}
}

func (m *MemoryTrustStore) Get(packageName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.trust[packageName]
	return h, ok
}

func (m *MemoryTrustStore) Set(packageName, signatureHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trust[packageName] = signatureHash
}

// PackageLookup resolves a local package's current signing-certificate
// hash, or reports it is not installed. The host application supplies
// the concrete OS-specific implementation; the core never touches the
// OS package registry itself.
type PackageLookup func(packageName string) (signatureHash string, installed bool)

// Verifier is the Caller Verifier component.
type Verifier struct {
	mu         sync.Mutex
	trust      TrustStore
	lookup     PackageLookup
	clock      clock.Clock
	nonces     map[string]nonceEntry
	nonceOrder []string // insertion order, oldest first, for eviction
}

type nonceEntry struct {
	caller       string
	expiresMono  int64
}

const (
	nonceTTL    = 5 * time.Minute
	maxNonces   = 1000
)

func New(trust TrustStore, lookup PackageLookup, c clock.Clock) *Verifier {
	return &Verifier{
		trust:  trust,
		lookup: lookup,
		clock:  c,
		nonces: make(map[string]nonceEntry),
	}
}

// VerifyOrTrust implements spec.md §4.6: on first contact it pins the
// package's current signature hash (TOFU); thereafter it requires
// byte-for-byte equality, compared in constant time.
func (v *Verifier) VerifyOrTrust(packageName string) Result {
	currentHash, installed := v.lookup(packageName)
	if !installed {
		return NotInstalled
	}

	trusted, known := v.trust.Get(packageName)
	if !known {
		return FirstUseRequiresApproval
	}

	if subtle.ConstantTimeCompare([]byte(trusted), []byte(currentHash)) == 1 {
		return Verified
	}
	return SignatureMismatch
}

// TrustNow pins packageName's current signature hash as trusted. Only
// called after an explicit user acknowledgement of a
// FirstUseRequiresApproval result (spec.md §4.6).
func (v *Verifier) TrustNow(packageName string) error {
	hash, installed := v.lookup(packageName)
	if !installed {
		return fmt.Errorf("callerverify: %s is not installed", packageName)
	}
	v.trust.Set(packageName, hash)
	return nil
}

// Issue mints a 32-byte hex nonce for caller with a 5-minute monotonic
// expiry (spec.md §4.6).
func (v *Verifier) Issue(caller string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("callerverify: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.sweepExpiredLocked()
	if len(v.nonces) >= maxNonces {
		v.evictOldestLocked()
	}

	v.nonces[nonce] = nonceEntry{caller: caller, expiresMono: v.clock.Mono() + int64(nonceTTL)}
	v.nonceOrder = append(v.nonceOrder, nonce)
	return nonce, nil
}

// ConsumeResult is the outcome of Consume.
type ConsumeResult int

const (
	Valid ConsumeResult = iota
	Invalid
	Expired
)

// Consume atomically removes nonce and reports its validity (spec.md
// §4.6): remove-on-read, so a nonce can never be replayed.
func (v *Verifier) Consume(nonce string) (ConsumeResult, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.nonces[nonce]
	if !ok {
		return Invalid, ""
	}
	delete(v.nonces, nonce)
	v.removeFromOrderLocked(nonce)

	if v.clock.Mono() >= entry.expiresMono {
		return Expired, ""
	}
	return Valid, entry.caller
}

// sweepExpiredLocked drops expired nonces. Must be called with mu held.
func (v *Verifier) sweepExpiredLocked() {
	now := v.clock.Mono()
	var kept []string
	for _, n := range v.nonceOrder {
		e, ok := v.nonces[n]
		if !ok {
			continue
		}
		if now >= e.expiresMono {
			delete(v.nonces, n)
			continue
		}
		kept = append(kept, n)
	}
	v.nonceOrder = kept
}

// evictOldestLocked removes the oldest still-tracked nonce. Must be
// called with mu held, after sweepExpiredLocked.
func (v *Verifier) evictOldestLocked() {
	for len(v.nonceOrder) > 0 {
		oldest := v.nonceOrder[0]
		v.nonceOrder = v.nonceOrder[1:]
		if _, ok := v.nonces[oldest]; ok {
			delete(v.nonces, oldest)
			return
		}
	}
}

func (v *Verifier) removeFromOrderLocked(nonce string) {
	for i, n := range v.nonceOrder {
		if n == nonce {
			v.nonceOrder = append(v.nonceOrder[:i], v.nonceOrder[i+1:]...)
			return
		}
	}
}
