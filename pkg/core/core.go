// Package core is the composition root: it wires every component
// spec.md §4 names into one AuthorizationCore value a host application
// constructs once at startup.
//
// Grounded on the teacher's cmd/helm/main.go subsystem-wiring section
// (runServer's "connect to storage, build every kernel layer in
// dependency order, hand the assembled value to the transport
// goroutines" shape) and pkg/api/idempotency.go's stoppable
// ticker-goroutine pattern for the background sweep/prune/drain loops
// this package owns on the host's behalf.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/privkeyio/keepcore/pkg/approval"
	"github.com/privkeyio/keepcore/pkg/audit"
	"github.com/privkeyio/keepcore/pkg/authz"
	"github.com/privkeyio/keepcore/pkg/callerverify"
	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/interactive"
	"github.com/privkeyio/keepcore/pkg/ipc"
	"github.com/privkeyio/keepcore/pkg/keepconfig"
	"github.com/privkeyio/keepcore/pkg/nip46"
	"github.com/privkeyio/keepcore/pkg/permission"
	"github.com/privkeyio/keepcore/pkg/policyoverride"
	"github.com/privkeyio/keepcore/pkg/ratelimit"
	"github.com/privkeyio/keepcore/pkg/risk"
	"github.com/privkeyio/keepcore/pkg/seal"
	"github.com/privkeyio/keepcore/pkg/signer"
	"github.com/privkeyio/keepcore/pkg/telemetry"
	"github.com/privkeyio/keepcore/pkg/velocity"
)

// Deps bundles everything a host application must supply; every
// borrowed-capability field (spec.md §3 Ownership) is named after the
// interface it satisfies.
type Deps struct {
	// DB backs the Audit Chain, Permission Store, and Velocity Tracker's
	// SQLite-backed Store implementations. A fresh in-memory
	// ":memory:" database is a legitimate value for short-lived hosts
	// and tests.
	DB *sql.DB

	// SecretStore provisions the audit HMAC key and the Permission
	// Store's row-sealing master key exactly once (spec.md §3,
	// pkg/seal.ProvisionOnce). seal.NewMemorySecretStore is sufficient
	// when the host has no durable keystore of its own.
	SecretStore seal.SecretStore

	// Config is the mutable ConfigurationState (spec.md §3). Callers
	// typically build this with keepconfig.Load or keepconfig.LoadYAML.
	Config *keepconfig.Config

	// Signer is the opaque borrowed signing capability (spec.md §1
	// Non-goals).
	Signer signer.Signer

	// TrustStore, PackageLookup back the Caller Verifier (spec.md §4.6).
	// TrustStore defaults to an in-memory store if nil.
	TrustStore    callerverify.TrustStore
	PackageLookup callerverify.PackageLookup

	// CallerResolver maps an IPC caller's OS uid to its installed
	// package name (spec.md §4.10). Required for pkg/ipc to do
	// anything other than fall back to "unknown_caller" for every call.
	CallerResolver ipc.CallerResolver

	// InteractiveApprove drives the human-facing side of a
	// PendingApproval (spec.md §4.11). Required for Authorize to ever
	// resolve an ASK branch; AuthorizeAutomatic/the IPC adapter never
	// need it.
	InteractiveApprove interactive.Approver

	// PolicyRules configures the optional CEL policy-override extension
	// (SPEC_FULL.md §4.1.a). Nil/empty disables the extension entirely.
	PolicyRules []string

	// HasAppSettings backs the Risk Assessor's "new app" factor (spec.md
	// §4.7); defaults to "always a known app" when nil, so the factor
	// then fires only for callers first seen less than 24 h ago (the
	// lower-risk-score default).
	HasAppSettings func(caller string) bool

	// KillSwitch reports whether the global kill-switch is active
	// (spec.md §4.1 step 1). Defaults to Config.KillSwitchActive when
	// nil.
	KillSwitch func() bool

	// Telemetry configures the OpenTelemetry providers (SPEC_FULL.md
	// §2's Observability). Nil or Enabled:false runs fully standalone.
	Telemetry *telemetry.Config

	// Clock is the injectable time source (spec.md §9's monotonic/wall
	// split). Defaults to clock.System.
	Clock clock.Clock

	// Logger is the base structured logger every component derives
	// from. Defaults to slog.Default().
	Logger *slog.Logger

	// DrainRate/DrainBurst pace the NIP-46 nostrconnect queue drain
	// (spec.md §4.9); zero values fall back to one offer per second,
	// burst 3.
	DrainRate  float64
	DrainBurst int
}

// AuthorizationCore is the fully wired system spec.md describes: every
// inbound Request from either transport (IPC or NIP-46 bunker) is
// routed through the same Authorization Engine and Audit Chain.
type AuthorizationCore struct {
	Config      *keepconfig.Config
	Engine      *authz.Engine
	Sessions    *nip46.SessionManager
	IPC         *ipc.Adapter
	Interactive *interactive.Adapter
	Verifier    *callerverify.Verifier
	Audit       *audit.Chain
	Permissions *permission.Manager

	telemetry *telemetry.Provider
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs an AuthorizationCore. It provisions the audit HMAC
// key and the permission sealing key from deps.SecretStore,
// opens every SQLite-backed Store against deps.DB, and wires the fixed
// pipeline exactly as spec.md §4.1 requires.
func New(ctx context.Context, deps Deps) (*AuthorizationCore, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("core: DB is required")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("core: Config is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("core: Signer is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := deps.Clock
	if cl == nil {
		cl = clock.System{}
	}

	tp, err := telemetry.New(ctx, deps.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("core: init telemetry: %w", err)
	}

	auditKey, err := seal.ProvisionOnce(deps.SecretStore, "audit-hmac-key", 32)
	if err != nil {
		return nil, fmt.Errorf("core: provision audit key: %w", err)
	}
	sealMaster, err := seal.ProvisionOnce(deps.SecretStore, "row-seal-master", 32)
	if err != nil {
		return nil, fmt.Errorf("core: provision seal master: %w", err)
	}
	permKey, err := seal.DeriveKey(sealMaster, "permission")
	if err != nil {
		return nil, fmt.Errorf("core: derive permission key: %w", err)
	}
	permSealer, err := seal.NewSealer(permKey)
	if err != nil {
		return nil, fmt.Errorf("core: build permission sealer: %w", err)
	}

	auditStore, err := audit.NewSQLiteStore(deps.DB)
	if err != nil {
		return nil, fmt.Errorf("core: open audit store: %w", err)
	}
	permStore, err := permission.NewSQLiteStore(deps.DB, permSealer)
	if err != nil {
		return nil, fmt.Errorf("core: open permission store: %w", err)
	}
	velStore, err := velocity.NewSQLiteStore(deps.DB)
	if err != nil {
		return nil, fmt.Errorf("core: open velocity store: %w", err)
	}

	auditChain := audit.NewChain(auditStore, cl, auditKey).WithTelemetry(tp)
	permManager := permission.NewManager(permStore, cl)
	velTracker := velocity.New(velStore, func() time.Time { return cl.Now() })
	limiter := ratelimit.New(cl)
	approvals := approval.New(cl)

	hasAppSettings := deps.HasAppSettings
	if hasAppSettings == nil {
		hasAppSettings = func(string) bool { return true }
	}
	riskAssessor := risk.New(cl, hasAppSettings)

	var policyEngine *policyoverride.Engine
	if len(deps.PolicyRules) > 0 {
		policyEngine, err = policyoverride.New(deps.PolicyRules)
		if err != nil {
			return nil, fmt.Errorf("core: build policy override: %w", err)
		}
	}

	trust := deps.TrustStore
	if trust == nil {
		trust = callerverify.NewMemoryTrustStore()
	}
	lookup := deps.PackageLookup
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	verifier := callerverify.New(trust, lookup, cl)

	drainRate := deps.DrainRate
	if drainRate <= 0 {
		drainRate = 1
	}
	drainBurst := deps.DrainBurst
	if drainBurst <= 0 {
		drainBurst = 3
	}
	sessions := nip46.New(deps.Config, permManager, logger, rate.Limit(drainRate), drainBurst)

	interactiveAdapter := interactive.New(deps.InteractiveApprove)

	killSwitch := deps.KillSwitch
	if killSwitch == nil {
		killSwitch = deps.Config.KillSwitchActive
	}

	var approver authz.Approver
	if deps.InteractiveApprove != nil {
		approver = func(pa *approval.PendingApproval) {
			go interactiveAdapter.Drive(context.Background(), pa)
		}
	}

	engine := authz.New(authz.Config{
		Clock:             cl,
		KillSwitch:        killSwitch,
		Verifier:          verifier,
		Permissions:       permManager,
		Limiter:           limiter,
		Velocity:          velTracker,
		Risk:              riskAssessor,
		Approvals:         approvals,
		AuditChain:        auditChain,
		AuthorizedClients: sessions,
		PolicyOverride:    policyEngine,
		Approver:          approver,
		Logger:            logger,
		Telemetry:         tp,
	})

	ipcAdapter := ipc.New(engine, deps.Signer, deps.CallerResolver)

	return &AuthorizationCore{
		Config:      deps.Config,
		Engine:      engine,
		Sessions:    sessions,
		IPC:         ipcAdapter,
		Interactive: interactiveAdapter,
		Verifier:    verifier,
		Audit:       auditChain,
		Permissions: permManager,
		telemetry:   tp,
		logger:      logger,
		stop:        make(chan struct{}),
	}, nil
}

// Authorize runs the full interactive pipeline (spec.md §4.1) for a
// local caller already identified by name, or a NIP-46 client
// identified by pubkey when isNip46 is true.
func (c *AuthorizationCore) Authorize(ctx context.Context, req *domain.Request, caller string, isNip46 bool) domain.Outcome {
	return c.Engine.Authorize(ctx, req, caller, isNip46)
}

// AuthorizeAutomatic runs the no-prompt prefix of the pipeline
// (spec.md §4.10), used directly by HandleIPC but also exposed for a
// host that wants the same automatic-only semantics over a transport
// other than the built-in IPC adapter.
func (c *AuthorizationCore) AuthorizeAutomatic(ctx context.Context, req *domain.Request, caller string, isNip46 bool) domain.Outcome {
	return c.Engine.AuthorizeAutomatic(ctx, req, caller, isNip46)
}

// HandleIPC services one local IPC request (spec.md §4.10, §6).
func (c *AuthorizationCore) HandleIPC(ctx context.Context, uid int, req *domain.Request) ipc.Row {
	return c.IPC.Handle(ctx, uid, req)
}

// Run starts the background maintenance loops spec.md assumes exist
// somewhere (§4.8's approval-timeout sweep, §4.3's 30-day audit
// retention) and blocks until ctx is cancelled or Shutdown is called.
// A host that wants to manage its own scheduling can instead call
// Engine.SweepTimeouts and Audit.Prune directly on its own ticker.
func (c *AuthorizationCore) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(5 * time.Second)
	pruneTicker := time.NewTicker(24 * time.Hour)
	defer sweepTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-sweepTicker.C:
			c.Engine.SweepTimeouts()
		case <-pruneTicker.C:
			if _, err := c.Audit.Prune(ctx); err != nil {
				c.logger.Warn("audit prune failed", "error", err)
			}
		}
	}
}

// Shutdown resolves every outstanding approval as denied (spec.md §3
// Ownership's shutdown-resolves-to-deny guarantee), stops Run if it is
// active, and flushes telemetry.
func (c *AuthorizationCore) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.Engine.Shutdown()
	return c.telemetry.Shutdown(ctx)
}
