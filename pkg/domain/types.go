// Package domain holds the shared value types used across keepcore's
// components: Request, CallerIdentity, Decision, and the sensitive-kind
// table from spec.md's Glossary. It plays the role the teacher's
// pkg/contracts package plays for HELM — a small, dependency-free core
// vocabulary every other package imports — trimmed down to exactly
// what spec.md's Data Model (§3) names.
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// RequestType enumerates the operations a caller may request.
type RequestType string

const (
	GetPublicKey    RequestType = "GET_PUBLIC_KEY"
	SignEvent       RequestType = "SIGN_EVENT"
	Nip04Encrypt    RequestType = "NIP04_ENCRYPT"
	Nip04Decrypt    RequestType = "NIP04_DECRYPT"
	Nip44Encrypt    RequestType = "NIP44_ENCRYPT"
	Nip44Decrypt    RequestType = "NIP44_DECRYPT"
	DecryptZapEvent RequestType = "DECRYPT_ZAP_EVENT"

	// Connect and Ping are NIP-46-only control methods (spec.md §6's
	// method enum). Connect runs through the Authorization Engine's full
	// pipeline, exempt only from the authorized-client check, and an
	// allowed Connect adds the client to authorized_clients. Ping is
	// answered by the IPC adapter without reaching the engine.
	Connect RequestType = "CONNECT"
	Ping    RequestType = "PING"
)

// KnownRequestTypes is the full set accepted by the engine (spec.md
// §6's NIP-46 method enum plus DECRYPT_ZAP_EVENT: the seven crypto
// operations, Connect and Ping).
var KnownRequestTypes = map[RequestType]bool{
	GetPublicKey:    true,
	SignEvent:       true,
	Nip04Encrypt:    true,
	Nip04Decrypt:    true,
	Nip44Encrypt:    true,
	Nip44Decrypt:    true,
	DecryptZapEvent: true,
	Connect:         true,
	Ping:            true,
}

// AnyKind is the sentinel event_kind meaning "any kind for this
// request type" in a Permission row (spec.md §3).
const AnyKind int32 = -1

// MaxContentBytes bounds Request.Content (spec.md §3).
const MaxContentBytes = 1 << 20 // 1 MiB

// MaxIDLen bounds Request.ID / correlation IDs (spec.md §3).
const MaxIDLen = 128

// sensitiveKinds per spec.md Glossary: event kinds with outsized
// identity/privacy impact. Policy requires narrower scoping and
// shorter durations for these.
var sensitiveKinds = map[int32]bool{
	0:     true, // profile metadata
	3:     true, // contacts
	4:     true, // NIP-04 DM
	1059:  true, // gift wrap
	10000: true, // mute list
	10002: true, // relay list
	10003: true, // bookmarks
	10050: true, // DM relay list
}

// IsSensitiveKind reports whether kind is one of the sensitive kinds
// defined in spec.md's Glossary.
func IsSensitiveKind(kind int32) bool {
	return sensitiveKinds[kind]
}

// Request is an inbound request for a cryptographic operation
// (spec.md §3).
type Request struct {
	Type       RequestType
	Content    []byte
	PeerPubkey string // optional, 64 hex chars
	ID         string // optional correlation id, <= 128 chars
	Kind       *int32 // parsed from Content for SignEvent; nil if absent/invalid
}

// Validate enforces the length caps and shape spec.md §3/§4.10 name.
func (r *Request) Validate() error {
	if len(r.Content) > MaxContentBytes {
		return fmt.Errorf("content exceeds %d bytes", MaxContentBytes)
	}
	if len(r.ID) > MaxIDLen {
		return fmt.Errorf("id exceeds %d chars", MaxIDLen)
	}
	if r.PeerPubkey != "" && !pubkeyPattern.MatchString(r.PeerPubkey) {
		return fmt.Errorf("peer_pubkey is not 64 lowercase hex chars")
	}
	if !KnownRequestTypes[r.Type] {
		return fmt.Errorf("unknown request_type %q", r.Type)
	}
	return nil
}

// EventKind returns the event kind for a permission/velocity/risk
// lookup: the parsed Kind if present, otherwise AnyKind.
func (r *Request) EventKind() int32 {
	if r.Kind == nil {
		return AnyKind
	}
	return *r.Kind
}

var pubkeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizePubkey lower-cases and validates a 64-hex pubkey.
func NormalizePubkey(pk string) (string, error) {
	lower := strings.ToLower(pk)
	if !pubkeyPattern.MatchString(lower) {
		return "", fmt.Errorf("pubkey must be 64 lowercase hex chars")
	}
	return lower, nil
}

// CallerKind tags a CallerIdentity variant.
type CallerKind int

const (
	CallerLocalPackage CallerKind = iota
	CallerNip46Client
)

// CallerIdentity is a tagged value: either a locally installed
// application (OS package name + signing-cert hash) or a remote NIP-46
// client (pubkey only, no OS identity) — spec.md §3.
type CallerIdentity struct {
	Kind          CallerKind
	PackageName   string // LocalPackage only
	SignatureHash string // LocalPackage only
	Pubkey        string // Nip46Client only, lower-case 64 hex
}

// NewLocalPackage constructs a LocalPackage caller identity.
func NewLocalPackage(name, sigHash string) CallerIdentity {
	return CallerIdentity{Kind: CallerLocalPackage, PackageName: name, SignatureHash: sigHash}
}

// NewNip46Client constructs a Nip46Client caller identity. pubkey must
// already be lower-case 64 hex.
func NewNip46Client(pubkey string) CallerIdentity {
	return CallerIdentity{Kind: CallerNip46Client, Pubkey: pubkey}
}

// Key returns the canonical string form used to key every permission,
// audit entry, and rate-limit bucket (spec.md §3 invariant): local
// packages by name, NIP-46 clients as "nip46:"+pubkey.
func (c CallerIdentity) Key() string {
	if c.Kind == CallerNip46Client {
		return "nip46:" + c.Pubkey
	}
	return c.PackageName
}

// Decision is the terminal outcome of Authorize (spec.md §4.1).
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionRejected
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "rejected"
	}
}

// Outcome is the full result of Authorize, including the reason for a
// Rejected/Deny decision so callers can map to errs sentinels.
type Outcome struct {
	Decision Decision
	Reason   string
	Err      error
}
