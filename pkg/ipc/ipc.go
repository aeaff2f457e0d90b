// Package ipc implements the IPC Query Adapter (spec.md §4.10): a
// synchronous, request-type-tagged entry point for co-installed local
// applications. It runs the Authorization Engine's automatic-decision
// prefix only — it never prompts — and maps every outcome onto the
// fixed IPC cursor row shape (spec.md §6).
//
// Grounded on the teacher's pkg/guardian/guardian.go restricted to its
// automatic branches (no PDP round-trip, no human-in-the-loop wait),
// the same restriction pkg/authz.Engine.AuthorizeAutomatic applies to
// the full pipeline.
package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/privkeyio/keepcore/pkg/authz"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/signer"
)

// permissionLookupTimeout bounds the automatic-decision pipeline this
// adapter drives (spec.md §5: "Permission lookups in the IPC adapter:
// 5 s wrapper; exceeded -> treat as miss").
const permissionLookupTimeout = 5 * time.Second

// maxPubkeyLen bounds the raw PeerPubkey string length before it ever
// reaches the engine's stricter 64-hex validation (spec.md §4.10).
const maxPubkeyLen = 128

// unknownCaller is the caller key used when the OS UID issuing the
// call cannot be resolved to exactly one installed package (spec.md
// §4.10).
const unknownCaller = "unknown_caller"

// Row is one IPC cursor response (spec.md §6's
// ["result","event","error","id","pubkey","rejected"] columns).
// Exactly one of Error, Rejected, or a populated Result/Event/Pubkey
// describes the outcome.
type Row struct {
	Result   []byte
	Event    []byte
	Error    string
	ID       string
	Pubkey   string
	Rejected bool
}

// CallerResolver maps the OS UID issuing an IPC call to the single
// installed package that owns it. ok is false when there is no unique
// owning package — an ambiguous or unresolvable UID maps to
// unknownCaller rather than failing the call outright, since
// unknownCaller simply has no stored permissions and falls through to
// Rejected the same way any other miss does (spec.md §1 Non-goals: the
// core never touches the OS process/package registry itself).
type CallerResolver func(uid int) (packageName string, ok bool)

// Adapter is the IPC Query Adapter component.
type Adapter struct {
	engine   *authz.Engine
	signer   signer.Signer
	resolver CallerResolver
}

func New(engine *authz.Engine, s signer.Signer, resolver CallerResolver) *Adapter {
	return &Adapter{engine: engine, signer: s, resolver: resolver}
}

// Handle services one IPC request for the caller identified by uid
// (spec.md §4.10). Ping is answered without reaching the Authorization
// Engine at all; Connect has no meaning over this transport since IPC
// callers are always local packages, never NIP-46 clients.
func (a *Adapter) Handle(ctx context.Context, uid int, req *domain.Request) Row {
	if req.Type == domain.Ping {
		return Row{ID: truncateID(req.ID), Result: []byte("pong")}
	}
	if req.Type == domain.Connect {
		return Row{ID: truncateID(req.ID), Error: "connect is not available over the ipc transport"}
	}
	if len(req.PeerPubkey) > maxPubkeyLen {
		return Row{ID: truncateID(req.ID), Error: fmt.Sprintf("pubkey exceeds %d chars", maxPubkeyLen)}
	}

	callerKey := unknownCaller
	if a.resolver != nil {
		if name, ok := a.resolver(uid); ok && name != "" {
			callerKey = name
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, permissionLookupTimeout)
	defer cancel()

	outcome := a.engine.AuthorizeAutomatic(lookupCtx, req, callerKey, false)
	if lookupCtx.Err() != nil {
		// 5 s wrapper exceeded: treat as a miss, not an error.
		return Row{ID: truncateID(req.ID), Rejected: true}
	}

	if outcome.Decision != domain.DecisionAllow {
		if outcome.Reason == "invalid_input" || outcome.Reason == "dependency_unavailable" {
			return Row{ID: truncateID(req.ID), Error: outcome.Err.Error()}
		}
		return Row{ID: truncateID(req.ID), Rejected: true}
	}

	return a.invokeSigner(ctx, req)
}

// invokeSigner dispatches an already-authorized request to the Signer
// capability and shapes its result into a Row. Authorization already
// happened; nothing here makes a decision.
func (a *Adapter) invokeSigner(ctx context.Context, req *domain.Request) Row {
	id := truncateID(req.ID)
	switch req.Type {
	case domain.GetPublicKey:
		pk, err := a.signer.GetPublicKey(ctx)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Pubkey: pk}

	case domain.SignEvent:
		signed, err := a.signer.SignEvent(ctx, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Event: signed}

	case domain.Nip04Encrypt:
		ct, err := a.signer.Nip04Encrypt(ctx, req.PeerPubkey, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Result: ct}

	case domain.Nip04Decrypt:
		pt, err := a.signer.Nip04Decrypt(ctx, req.PeerPubkey, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Result: pt}

	case domain.Nip44Encrypt:
		ct, err := a.signer.Nip44Encrypt(ctx, req.PeerPubkey, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Result: ct}

	case domain.Nip44Decrypt:
		pt, err := a.signer.Nip44Decrypt(ctx, req.PeerPubkey, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Result: pt}

	case domain.DecryptZapEvent:
		// A zap receipt's encrypted content is NIP-04-encrypted per
		// NIP-57; decrypting one is a Nip04Decrypt under a more
		// specific request-type name.
		pt, err := a.signer.Nip04Decrypt(ctx, req.PeerPubkey, req.Content)
		if err != nil {
			return Row{ID: id, Error: err.Error()}
		}
		return Row{ID: id, Result: pt}

	default:
		return Row{ID: id, Error: fmt.Sprintf("unsupported request type %q", req.Type)}
	}
}

// truncateID echoes req.ID, capped at MaxIDLen so a caller cannot force
// an oversized echo back through an otherwise-rejected request.
func truncateID(id string) string {
	if len(id) <= domain.MaxIDLen {
		return id
	}
	return id[:domain.MaxIDLen]
}
