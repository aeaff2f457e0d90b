package authz

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privkeyio/keepcore/pkg/approval"
	"github.com/privkeyio/keepcore/pkg/audit"
	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
	"github.com/privkeyio/keepcore/pkg/errs"
	"github.com/privkeyio/keepcore/pkg/permission"
	"github.com/privkeyio/keepcore/pkg/ratelimit"
	"github.com/privkeyio/keepcore/pkg/risk"
	"github.com/privkeyio/keepcore/pkg/velocity"
)

// -- in-process test doubles, mirroring each package's own test doubles --

type memPermStore struct {
	mu   sync.Mutex
	rows map[string]*permission.Permission
}

func newMemPermStore() *memPermStore { return &memPermStore{rows: make(map[string]*permission.Permission)} }

func (m *memPermStore) permKey(caller string, rt domain.RequestType, kind int32) string {
	return fmt.Sprintf("%s|%s|%d", caller, rt, kind)
}

func (m *memPermStore) Get(_ context.Context, caller string, rt domain.RequestType, kind int32) (*permission.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[m.permKey(caller, rt, kind)]
	if !ok {
		return nil, permission.ErrNotFound
	}
	return p, nil
}
func (m *memPermStore) Set(_ context.Context, p *permission.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.permKey(p.Caller, p.RequestType, p.EventKind)] = p
	return nil
}
func (m *memPermStore) Revoke(_ context.Context, caller string, rt domain.RequestType, kind int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, m.permKey(caller, rt, kind))
	return nil
}
func (m *memPermStore) RevokeAll(_ context.Context, caller string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.rows {
		if p.Caller == caller {
			delete(m.rows, k)
		}
	}
	return nil
}
func (m *memPermStore) List(_ context.Context) ([]*permission.Permission, error) { return nil, nil }
func (m *memPermStore) ListFor(_ context.Context, caller string) ([]*permission.Permission, error) {
	return nil, nil
}
func (m *memPermStore) CleanupExpired(_ context.Context, _ time.Time) (int, error) { return 0, nil }
func (m *memPermStore) Close() error                                              { return nil }

type memAuditStore struct {
	mu      sync.Mutex
	entries []*audit.Entry
	nextID  int64
}

func (m *memAuditStore) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.entries = append(m.entries, e)
	return nil
}
func (m *memAuditStore) Last(_ context.Context) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	return m.entries[len(m.entries)-1], nil
}
func (m *memAuditStore) All(_ context.Context) ([]*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*audit.Entry{}, m.entries...), nil
}
func (m *memAuditStore) Page(_ context.Context, limit, offset int, _ string) ([]*audit.Entry, error) {
	return nil, nil
}
func (m *memAuditStore) DeleteOlderThan(_ context.Context, _ int64) ([]*audit.Entry, error) {
	return nil, nil
}
func (m *memAuditStore) Close() error { return nil }

type memVelocityStore struct {
	mu      sync.Mutex
	entries []int64
}

func (m *memVelocityStore) CountSince(_ context.Context, _ string, _ int32, sinceMs int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ts := range m.entries {
		if ts >= sinceMs {
			n++
		}
	}
	return n, nil
}
func (m *memVelocityStore) Insert(_ context.Context, _ string, _ int32, timestampMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, timestampMs)
	return nil
}
func (m *memVelocityStore) DeleteOlderThan(_ context.Context, _ int64) (int, error) { return 0, nil }
func (m *memVelocityStore) Close() error                                           { return nil }

type fakeClients struct {
	mu          sync.Mutex
	authorized  map[string]bool
}

func newFakeClients() *fakeClients { return &fakeClients{authorized: make(map[string]bool)} }
func (f *fakeClients) IsAuthorized(pk string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[pk]
}
func (f *fakeClients) Authorize(pk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized[pk] = true
}

func newTestEngine(t *testing.T, fc *clock.Fake, approver Approver) (*Engine, *fakeClients) {
	t.Helper()
	permStore := newMemPermStore()
	perms := permission.NewManager(permStore, fc)
	auditChain := audit.NewChain(&memAuditStore{}, fc, []byte("0123456789abcdef0123456789abcdef"))
	velTracker := velocity.New(&memVelocityStore{}, fc.Now)
	riskAssess := risk.New(fc, func(string) bool { return true })
	approvals := approval.New(fc)
	limiter := ratelimit.New(fc)
	clients := newFakeClients()

	e := New(Config{
		Clock:             fc,
		KillSwitch:        func() bool { return false },
		Permissions:       perms,
		Limiter:           limiter,
		Velocity:          velTracker,
		Risk:              riskAssess,
		Approvals:         approvals,
		AuditChain:        auditChain,
		AuthorizedClients: clients,
		Approver:          approver,
	})
	return e, clients
}

func TestAuthorizeKillSwitchDeniesAutomatically(t *testing.T) {
	fc := clock.NewFake(time.Now())
	permStore := newMemPermStore()
	perms := permission.NewManager(permStore, fc)
	auditChain := audit.NewChain(&memAuditStore{}, fc, []byte("0123456789abcdef0123456789abcdef"))
	velTracker := velocity.New(&memVelocityStore{}, fc.Now)
	riskAssess := risk.New(fc, func(string) bool { return true })
	approvals := approval.New(fc)
	limiter := ratelimit.New(fc)

	e := New(Config{
		Clock:       fc,
		KillSwitch:  func() bool { return true },
		Permissions: perms,
		Limiter:     limiter,
		Velocity:    velTracker,
		Risk:        riskAssess,
		Approvals:   approvals,
		AuditChain:  auditChain,
	})

	out := e.Authorize(context.Background(), &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	assert.Equal(t, domain.DecisionDeny, out.Decision)
	assert.ErrorIs(t, out.Err, errs.ErrUnauthorized)
}

func TestAuthorizeInvalidInputNotAudited(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, nil)

	out := e.Authorize(context.Background(), &domain.Request{Type: "BOGUS"}, "caller-a", false)
	assert.Equal(t, domain.DecisionRejected, out.Decision)
	assert.Equal(t, "invalid_input", out.Reason)
}

func TestAuthorizeNip46UnauthorizedClientDeniedBeforeConnect(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, nil)

	out := e.Authorize(context.Background(), &domain.Request{Type: domain.SignEvent}, "nip46:abc", true)
	assert.Equal(t, domain.DecisionDeny, out.Decision)
	assert.Equal(t, "unauthorized_client", out.Reason)
}

func TestAuthorizeConnectBypassesAuthorizedClientsCheck(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, clients := newTestEngine(t, fc, func(pa *approval.PendingApproval) {
		go pa.Respond(approval.Response{Resolution: approval.ResolvedAllow})
	})

	out := e.Authorize(context.Background(), &domain.Request{Type: domain.Connect}, "nip46:abc", true)
	require.Equal(t, domain.DecisionAllow, out.Decision)
	assert.True(t, clients.IsAuthorized("nip46:abc"))
}

func TestAuthorizeStoredAllowShortCircuitsApproval(t *testing.T) {
	fc := clock.NewFake(time.Now())
	permStore := newMemPermStore()
	perms := permission.NewManager(permStore, fc)
	auditChain := audit.NewChain(&memAuditStore{}, fc, []byte("0123456789abcdef0123456789abcdef"))
	velTracker := velocity.New(&memVelocityStore{}, fc.Now)
	riskAssess := risk.New(fc, func(string) bool { return true })
	limiter := ratelimit.New(fc)

	kind := int32(1)
	req := &domain.Request{Type: domain.SignEvent, Kind: &kind}
	ctx := context.Background()

	// First call: no stored permission, so it goes through a full
	// interactive approval that persists an ALLOW for a week.
	approvalsA := approval.New(fc)
	first := New(Config{
		Clock: fc, KillSwitch: func() bool { return false },
		Permissions: perms, Limiter: limiter, Velocity: velTracker,
		Risk: riskAssess, Approvals: approvalsA, AuditChain: auditChain,
		Approver: func(pa *approval.PendingApproval) {
			d := permission.OneWeek
			go pa.Respond(approval.Response{Resolution: approval.ResolvedAllow, PersistDuration: &d})
		},
	})
	out := first.Authorize(ctx, req, "caller-a", false)
	require.Equal(t, domain.DecisionAllow, out.Decision)

	// Second call against the same stored permissions: the approver must
	// never be invoked, because step 5's stored-permission lookup
	// short-circuits the pipeline before it ever reaches Enqueue.
	approvalsB := approval.New(fc)
	second := New(Config{
		Clock: fc, KillSwitch: func() bool { return false },
		Permissions: perms, Limiter: limiter, Velocity: velTracker,
		Risk: riskAssess, Approvals: approvalsB, AuditChain: auditChain,
		Approver: func(pa *approval.PendingApproval) {
			t.Fatal("approver should not be invoked for a stored ALLOW")
		},
	})
	out = second.Authorize(ctx, req, "caller-a", false)
	assert.Equal(t, domain.DecisionAllow, out.Decision)
}

func TestAuthorizePendingApprovalTimeoutDenies(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, nil) // no approver: nobody ever responds

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	out := e.Authorize(ctx, &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	assert.Equal(t, domain.DecisionDeny, out.Decision)
	assert.Equal(t, "timeout", out.Reason)
}

func TestAuthorizeUserRejectedMapsToRejectedDecision(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, func(pa *approval.PendingApproval) {
		go pa.Respond(approval.Response{Resolution: approval.ResolvedDeny})
	})

	out := e.Authorize(context.Background(), &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	assert.Equal(t, domain.DecisionRejected, out.Decision)
	assert.Equal(t, "user_rejected", out.Reason)
}

func TestAuthorizeKillSwitchDenyProducesOneAuditEntry(t *testing.T) {
	fc := clock.NewFake(time.Now())
	store := &memAuditStore{}
	auditChain := audit.NewChain(store, fc, []byte("0123456789abcdef0123456789abcdef"))
	permStore := newMemPermStore()
	perms := permission.NewManager(permStore, fc)
	velTracker := velocity.New(&memVelocityStore{}, fc.Now)
	riskAssess := risk.New(fc, func(string) bool { return true })
	approvals := approval.New(fc)
	limiter := ratelimit.New(fc)

	e := New(Config{
		Clock:       fc,
		KillSwitch:  func() bool { return true },
		Permissions: perms,
		Limiter:     limiter,
		Velocity:    velTracker,
		Risk:        riskAssess,
		Approvals:   approvals,
		AuditChain:  auditChain,
	})

	e.Authorize(context.Background(), &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	all, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "deny", all[0].Decision)
	assert.True(t, all[0].WasAutomatic)
}

func TestAuthorizeAutomaticNeverEnqueuesApproval(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, func(pa *approval.PendingApproval) {
		t.Fatal("AuthorizeAutomatic must never reach the approver")
	})

	out := e.AuthorizeAutomatic(context.Background(), &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	assert.Equal(t, domain.DecisionRejected, out.Decision)
	assert.Equal(t, "would_require_approval", out.Reason)
}

func TestAuthorizeAutomaticReturnsStoredAllowWithoutPrompting(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, func(pa *approval.PendingApproval) {
		t.Fatal("AuthorizeAutomatic must never reach the approver")
	})

	kind := int32(1)
	req := &domain.Request{Type: domain.SignEvent, Kind: &kind}
	require.NoError(t, e.permissions.Grant(context.Background(), "caller-a", domain.SignEvent, kind, permission.OneWeek))

	out := e.AuthorizeAutomatic(context.Background(), req, "caller-a", false)
	assert.Equal(t, domain.DecisionAllow, out.Decision)
}

func TestAuthorizeAutomaticReturnsStoredDenyWithoutPrompting(t *testing.T) {
	fc := clock.NewFake(time.Now())
	e, _ := newTestEngine(t, fc, func(pa *approval.PendingApproval) {
		t.Fatal("AuthorizeAutomatic must never reach the approver")
	})

	require.NoError(t, e.permissions.DenyPersist(context.Background(), "caller-a", domain.GetPublicKey, domain.AnyKind, permission.OneWeek))

	out := e.AuthorizeAutomatic(context.Background(), &domain.Request{Type: domain.GetPublicKey}, "caller-a", false)
	assert.Equal(t, domain.DecisionDeny, out.Decision)
	assert.Equal(t, "stored_deny", out.Reason)
}
