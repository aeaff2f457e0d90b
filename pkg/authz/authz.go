// Package authz implements the Authorization Engine (spec.md §4.1):
// the fixed 10-step pipeline that every inbound Request passes through,
// producing exactly one audit entry per branch taken.
//
// Grounded on the teacher's pkg/guardian/guardian.go (the
// EvaluateDecision fixed-stage pipeline: kill-switch → rate limit →
// authorization → budget → risk → approval → audit, threading a single
// decision object through ordered stages) and, for the optional
// policy-override extension point, pkg/prg/engine.go's
// compile-and-cache pattern via pkg/policyoverride.
package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/privkeyio/keepcore/pkg/approval"
	"github.com/privkeyio/keepcore/pkg/audit"
	"github.com/privkeyio/keepcore/pkg/callerverify"
	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/errs"
	"github.com/privkeyio/keepcore/pkg/permission"
	"github.com/privkeyio/keepcore/pkg/policyoverride"
	"github.com/privkeyio/keepcore/pkg/ratelimit"
	"github.com/privkeyio/keepcore/pkg/risk"
	"github.com/privkeyio/keepcore/pkg/telemetry"
	"github.com/privkeyio/keepcore/pkg/velocity"
)

// AuthorizedClients is the narrow slice of NIP-46 Session Manager
// behavior the engine needs for step 4 and step 10 (spec.md §4.1,
// §4.9): membership test and idempotent add-on-connect-allow. The
// concrete implementation lives in pkg/nip46; the engine only depends
// on this interface to avoid a import cycle (nip46 in turn calls back
// into the engine's Authorize for session-manager-driven requests).
type AuthorizedClients interface {
	IsAuthorized(pubkey string) bool
	Authorize(pubkey string) // idempotent
}

// Approver is notified of a newly enqueued PendingApproval so it can
// drive the interactive flow (spec.md §4.11's Interactive Adapter).
// The engine does not block on this call; Await is what blocks.
type Approver func(pa *approval.PendingApproval)

// Engine wires every component spec.md §4.1 names into the fixed
// pipeline.
type Engine struct {
	clock       clock.Clock
	killSwitch  func() bool
	verifier    *callerverify.Verifier
	permissions *permission.Manager
	limiter     *ratelimit.Limiter
	velocity    *velocity.Tracker
	riskAssess  *risk.Assessor
	approvals   *approval.Registry
	auditChain  *audit.Chain
	clients     AuthorizedClients
	policy      *policyoverride.Engine // optional, may be nil
	approver    Approver
	logger      *slog.Logger
	telemetry   *telemetry.Provider
}

// Config bundles Engine's dependencies.
type Config struct {
	Clock              clock.Clock
	KillSwitch         func() bool
	Verifier           *callerverify.Verifier
	Permissions        *permission.Manager
	Limiter            *ratelimit.Limiter
	Velocity           *velocity.Tracker
	Risk               *risk.Assessor
	Approvals          *approval.Registry
	AuditChain         *audit.Chain
	AuthorizedClients  AuthorizedClients
	PolicyOverride     *policyoverride.Engine // nil disables the extension point
	Approver           Approver
	Logger             *slog.Logger
	Telemetry          *telemetry.Provider // nil falls back to a disabled no-op provider
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.Telemetry
	if tp == nil {
		tp, _ = telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	}
	return &Engine{
		clock:       cfg.Clock,
		killSwitch:  cfg.KillSwitch,
		verifier:    cfg.Verifier,
		permissions: cfg.Permissions,
		limiter:     cfg.Limiter,
		velocity:    cfg.Velocity,
		riskAssess:  cfg.Risk,
		approvals:   cfg.Approvals,
		auditChain:  cfg.AuditChain,
		clients:     cfg.AuthorizedClients,
		policy:      cfg.PolicyOverride,
		approver:    cfg.Approver,
		logger:      logger,
		telemetry:   tp,
	}
}

// Authorize runs the fixed 10-step pipeline from spec.md §4.1 for one
// request on behalf of caller (already verified/trusted — local
// callers go through Verifier separately at the transport boundary;
// NIP-46 clients are identified by pubkey alone).
func (e *Engine) Authorize(ctx context.Context, req *domain.Request, caller string, isNip46 bool) domain.Outcome {
	ctx, finish := e.telemetry.TrackPipeline(ctx, caller, string(req.Type))
	var out domain.Outcome
	defer func() { finish(out.Decision.String(), out.Reason, out.Err) }()
	out = e.authorize(ctx, req, caller, isNip46)
	return out
}

func (e *Engine) authorize(ctx context.Context, req *domain.Request, caller string, isNip46 bool) domain.Outcome {
	outcome, decided, preScored := e.runAutomaticStages(ctx, req, caller, isNip46)
	if decided {
		return outcome
	}

	// Step 7: risk scoring (advisory). If the policy-override extension
	// already scored this request during the automatic stages, reuse
	// that score instead of running the weighted assessment (and its
	// per-caller frequency bookkeeping) a second time for one request.
	score := preScored
	if score == nil {
		s := e.riskAssess.Assess(caller, req.EventKind())
		score = &s
	}

	// Step 8: pending approval.
	pa, err := e.approvals.Enqueue(caller, req, req.Type == domain.Connect, *score)
	if err != nil {
		e.record(ctx, caller, req, "deny", true)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "capacity_exhausted", Err: errs.ErrCapacityExhausted}
	}
	if e.approver != nil {
		e.approver(pa)
	}

	// Step 9: await decision, up to the approval timeout.
	awaitCtx, cancel := context.WithTimeout(ctx, approval.ResponseTimeout)
	defer cancel()
	resp, err := e.approvals.Await(awaitCtx, pa)
	if err != nil {
		e.record(ctx, caller, req, "deny", true)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "timeout", Err: errs.ErrTimeout}
	}

	switch resp.Resolution {
	case approval.ResolvedAllow:
		// Step 10: post-decision side effects.
		if resp.PersistDuration != nil {
			if err := e.permissions.Grant(ctx, caller, req.Type, req.EventKind(), *resp.PersistDuration); err != nil {
				e.logger.Warn("failed to persist permission after allow", "error", err)
			}
		}
		if req.Type == domain.Connect && e.clients != nil {
			e.clients.Authorize(caller)
		}
		e.record(ctx, caller, req, "allow", false)
		e.limiter.RecordSuccess(caller)
		return domain.Outcome{Decision: domain.DecisionAllow}
	case approval.ResolvedTimeout:
		e.record(ctx, caller, req, "deny", true)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "timeout", Err: errs.ErrTimeout}
	case approval.ResolvedShutdown:
		e.record(ctx, caller, req, "deny", true)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "shutdown", Err: errs.ErrUnauthorized}
	default: // ResolvedDeny
		if resp.PersistDuration != nil {
			if err := e.permissions.DenyPersist(ctx, caller, req.Type, req.EventKind(), *resp.PersistDuration); err != nil {
				e.logger.Warn("failed to persist permission after deny", "error", err)
			}
		}
		e.record(ctx, caller, req, "deny", false)
		return domain.Outcome{Decision: domain.DecisionRejected, Reason: "user_rejected", Err: errs.ErrUserRejected}
	}
}

// AuthorizeAutomatic runs only the automatic-decision prefix of the
// pipeline (spec.md §4.10): kill-switch, validation, rate limit, NIP-46
// authorization, policy override, stored-permission lookup, and
// velocity — never enqueuing a PendingApproval. A stored ASK permission
// or a stored-permission miss yields Rejected("would_require_approval")
// rather than prompting, so the IPC Query Adapter can stay synchronous
// and push the caller back to the interactive transport instead.
func (e *Engine) AuthorizeAutomatic(ctx context.Context, req *domain.Request, caller string, isNip46 bool) domain.Outcome {
	ctx, finish := e.telemetry.TrackPipeline(ctx, caller, string(req.Type))
	var out domain.Outcome
	defer func() { finish(out.Decision.String(), out.Reason, out.Err) }()

	outcome, decided, _ := e.runAutomaticStages(ctx, req, caller, isNip46)
	if decided {
		out = outcome
		return out
	}
	out = domain.Outcome{Decision: domain.DecisionRejected, Reason: "would_require_approval", Err: errs.ErrUnauthorized}
	return out
}

// runAutomaticStages implements spec.md §4.1 steps 1-6. The second
// return value is true when outcome is already terminal (an automatic
// allow or deny); false means the request cleared every automatic
// check and a stored permission of ASK, or no stored permission at
// all, left the decision for interactive approval. The third return
// value carries the risk score computed for the policy-override
// extension, if that extension is configured and ran — callers that
// proceed to their own step 7 should reuse it rather than re-scoring.
func (e *Engine) runAutomaticStages(ctx context.Context, req *domain.Request, caller string, isNip46 bool) (domain.Outcome, bool, *risk.Score) {
	// Step 1: kill-switch.
	if e.killSwitch != nil && e.killSwitch() {
		e.record(ctx, caller, req, "deny", true)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "kill_switch", Err: errs.ErrUnauthorized}, true, nil
	}

	// Step 2: input validation.
	if err := req.Validate(); err != nil {
		// Not audited per spec.md §7 InvalidInput.
		return domain.Outcome{Decision: domain.DecisionRejected, Reason: "invalid_input", Err: fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)}, true, nil
	}

	// Step 3: rate limit.
	if e.limiter.Check(caller) == ratelimit.Rejected {
		e.record(ctx, caller, req, "deny", true)
		e.telemetry.RecordRateLimitRejection(ctx, caller)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "rate_limited", Err: errs.ErrRateLimited}, true, nil
	}

	// Step 4: NIP-46 authorization (connect is exempt).
	if isNip46 && req.Type != domain.Connect {
		if e.clients == nil || !e.clients.IsAuthorized(caller) {
			e.record(ctx, caller, req, "deny", true)
			return domain.Outcome{Decision: domain.DecisionDeny, Reason: "unauthorized_client", Err: errs.ErrUnauthorized}, true, nil
		}
	}

	// Step 4.a (SPEC_FULL.md §4.1.a): optional policy override, evaluated
	// after mandatory identity/authorization checks and before the
	// stored-permission lookup so an operator rule can narrow but never
	// widen what the mandatory pipeline would otherwise allow.
	var preScored *risk.Score
	if e.policy != nil {
		score := e.riskAssess.Assess(caller, req.EventKind())
		preScored = &score
		deny, rule, err := e.policy.ShouldDeny(policyoverride.Input{
			Caller:      caller,
			RequestType: string(req.Type),
			EventKind:   req.EventKind(),
			IsSensitive: domain.IsSensitiveKind(req.EventKind()),
			RiskScore:   score.Value,
		})
		if err != nil {
			e.logger.Warn("policy override evaluation failed, denying", "error", err, "rule", rule)
		}
		if deny {
			e.record(ctx, caller, req, "deny", true)
			return domain.Outcome{Decision: domain.DecisionDeny, Reason: "policy_override", Err: errs.ErrUnauthorized}, true, preScored
		}
	}

	// Step 5: stored-permission lookup.
	perm, err := e.permissions.Lookup(ctx, caller, req.Type, req.EventKind())
	if err == nil {
		switch perm.Decision {
		case permission.Allow:
			e.record(ctx, caller, req, "allow", true)
			return domain.Outcome{Decision: domain.DecisionAllow}, true, preScored
		case permission.Deny:
			e.record(ctx, caller, req, "deny", true)
			return domain.Outcome{Decision: domain.DecisionDeny, Reason: "stored_deny", Err: errs.ErrUnauthorized}, true, preScored
		}
		// Ask: fall through to velocity/risk/approval below.
	} else if err != permission.ErrNotFound {
		e.logger.Warn("permission lookup failed", "error", err)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "dependency_unavailable", Err: errs.ErrDependencyUnavailable}, true, preScored
	}

	// Step 6: velocity check.
	velResult, err := e.velocity.CheckAndRecord(ctx, caller, req.EventKind())
	if err != nil {
		e.logger.Warn("velocity check failed", "error", err)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "dependency_unavailable", Err: errs.ErrDependencyUnavailable}, true, preScored
	}
	if velResult.Outcome == velocity.Blocked {
		e.record(ctx, caller, req, "deny", true)
		e.telemetry.RecordVelocityBlock(ctx, caller)
		return domain.Outcome{Decision: domain.DecisionDeny, Reason: "velocity_exceeded", Err: errs.ErrVelocityExceeded}, true, preScored
	}

	return domain.Outcome{}, false, preScored
}

// record appends exactly one audit entry for this branch of the
// pipeline (spec.md §4.1's "all branches MUST produce exactly one
// audit entry" invariant).
func (e *Engine) record(ctx context.Context, caller string, req *domain.Request, decision string, automatic bool) {
	kind := req.Kind
	if _, err := e.auditChain.Append(ctx, caller, req.Type, kind, decision, automatic); err != nil {
		e.logger.Error("audit append failed", "error", err, "caller", caller, "request_type", req.Type)
	}
}

// SweepTimeouts drives the approval registry's timeout sweep; callers
// run this on a ticker (spec.md §4.8).
func (e *Engine) SweepTimeouts() { e.approvals.SweepTimeouts() }

// Shutdown resolves every outstanding approval as denied and stops
// accepting new ones (spec.md §3 Ownership).
func (e *Engine) Shutdown() { e.approvals.Shutdown() }
