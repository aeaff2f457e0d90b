// Package interactive implements the Interactive Adapter (spec.md
// §4.11): the display-content sanitizer every surface that renders a
// PendingApproval to a human must run content through first, plus a
// thin driver loop that resolves the PendingApproval's channel once
// an Approver responds.
//
// Grounded on the teacher's pkg/kernel/csnf/csnf.go (NFC string
// normalization via golang.org/x/text/unicode/norm ahead of hashing),
// adapted here to normalize ahead of *display* rather than hashing,
// plus stripping the control/bidi/combining-mark ranges spec.md §4.11
// names explicitly.
package interactive

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/privkeyio/keepcore/pkg/approval"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/permission"
)

// MaxDisplayLen is the truncation length spec.md §4.11 fixes.
const MaxDisplayLen = 500

// Sanitize prepares untrusted request content for display: strips C0
// controls, DEL, bidi-control characters, and combining marks, NFC
// normalizes what remains, then truncates to MaxDisplayLen runes
// (spec.md §4.11).
func Sanitize(s string) string {
	runes := []rune(s)
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if isC0OrDel(r) || isBidiControl(r) || isCombiningMark(r) {
			continue
		}
		out = append(out, r)
	}
	normalized := norm.NFC.String(string(out))
	truncated := []rune(normalized)
	if len(truncated) > MaxDisplayLen {
		truncated = truncated[:MaxDisplayLen]
	}
	return string(truncated)
}

func isC0OrDel(r rune) bool {
	return r < 0x20 || r == 0x7F
}

func isBidiControl(r rune) bool {
	switch {
	case r == 0x200E || r == 0x200F: // LRM, RLM
		return true
	case r >= 0x202A && r <= 0x202E: // LRE..RLO
		return true
	case r >= 0x2060 && r <= 0x206F: // word joiner .. nominal digit shapes
		return true
	case r == 0xFEFF: // BOM / zero width no-break space
		return true
	default:
		return false
	}
}

func isCombiningMark(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
}

// AppOverride is the optional per-app policy an approval completion
// may persist alongside the immediate decision (spec.md §4.11:
// "Approval completion may additionally persist app-expiry and
// per-app sign-policy overrides").
type AppOverride struct {
	ExpiresDuration *permission.Duration
	// SignPolicy, when set, narrows the global sign policy for this
	// specific caller going forward. Empty means "no override".
	SignPolicy string
}

// Decision is what a human approver returns for one PendingApproval.
type Decision struct {
	Allow       bool
	Duration    permission.Duration
	AppOverride *AppOverride
}

// Approver drives the human-facing side of one PendingApproval: it
// receives the already-sanitized display fields and returns the
// user's decision, or an error if the UI could not obtain one (e.g.
// the dialog was dismissed without a choice).
type Approver func(ctx context.Context, display Display) (Decision, error)

// Display is what a UI renders: every field has already been through
// Sanitize.
type Display struct {
	RequestID   string
	Caller      string
	RequestType string
	EventKind   *int32
	Content     string
	IsSensitive bool
	RiskScore   int
	AuthLevel   string
}

// Adapter drives PendingApproval resolution via a host-supplied
// Approver.
type Adapter struct {
	approve Approver
}

func New(approve Approver) *Adapter {
	return &Adapter{approve: approve}
}

// Drive renders pa through Sanitize, obtains a Decision from the
// configured Approver, and resolves pa's channel exactly once. Errors
// from the Approver resolve the approval as a deny — spec.md has no
// notion of an approval left unresolved by a UI failure, and the
// Approval Registry's own timeout sweep exists as the backstop should
// Drive never be called at all.
func (a *Adapter) Drive(ctx context.Context, pa *approval.PendingApproval) {
	display := Display{
		RequestID:   pa.RequestID,
		Caller:      pa.Caller,
		RequestType: string(pa.Request.Type),
		EventKind:   pa.Request.Kind,
		Content:     Sanitize(string(pa.Request.Content)),
		IsSensitive: domain.IsSensitiveKind(pa.Request.EventKind()),
		RiskScore:   pa.RiskScore.Value,
		AuthLevel:   pa.RiskScore.AuthLevel.String(),
	}

	decision, err := a.approve(ctx, display)
	if err != nil {
		pa.Respond(approval.Response{Resolution: approval.ResolvedDeny})
		return
	}

	if !decision.Allow {
		var dur *permission.Duration
		if decision.Duration != permission.JustThisTime {
			d := decision.Duration
			dur = &d
		}
		pa.Respond(approval.Response{Resolution: approval.ResolvedDeny, PersistDuration: dur})
		return
	}

	duration := decision.Duration
	// Sensitive-kind FOREVER is disabled at the UI layer too (spec.md
	// §4.11); the Permission Store also downgrades it defensively, but
	// surfacing the same rule here keeps the approver's persisted choice
	// consistent with what actually gets stored.
	if display.IsSensitive && duration == permission.Forever {
		duration = permission.OneDay
	}
	var dur *permission.Duration
	if duration != permission.JustThisTime {
		dur = &duration
	}
	pa.Respond(approval.Response{Resolution: approval.ResolvedAllow, PersistDuration: dur})
}
