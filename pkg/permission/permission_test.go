package permission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/domain"
)

// memStore is a minimal in-process Store used only by this package's
// tests, mirroring the shape sqlite.go/postgres.go implement.
type memStore struct {
	rows map[string]*Permission
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]*Permission)} }

func key(caller string, rt domain.RequestType, kind int32) string {
	return fmt.Sprintf("%s|%s|%d", caller, rt, kind)
}

func (m *memStore) Get(_ context.Context, caller string, rt domain.RequestType, kind int32) (*Permission, error) {
	p, ok := m.rows[key(caller, rt, kind)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) Set(_ context.Context, p *Permission) error {
	cp := *p
	m.rows[key(p.Caller, p.RequestType, p.EventKind)] = &cp
	return nil
}

func (m *memStore) Revoke(_ context.Context, caller string, rt domain.RequestType, kind int32) error {
	delete(m.rows, key(caller, rt, kind))
	return nil
}

func (m *memStore) RevokeAll(_ context.Context, caller string) error {
	for k, p := range m.rows {
		if p.Caller == caller {
			delete(m.rows, k)
		}
	}
	return nil
}

func (m *memStore) List(_ context.Context) ([]*Permission, error) {
	var out []*Permission
	for _, p := range m.rows {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListFor(ctx context.Context, caller string) ([]*Permission, error) {
	all, _ := m.List(ctx)
	var out []*Permission
	for _, p := range all {
		if p.Caller == caller {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for k, p := range m.rows {
		if p.IsExpired(now) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() error { return nil }

func TestManagerGrantAndLookup(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	err := mgr.Grant(ctx, "com.example.app", domain.SignEvent, 1, OneHour)
	require.NoError(t, err)

	p, err := mgr.Lookup(ctx, "com.example.app", domain.SignEvent, 1)
	require.NoError(t, err)
	assert.Equal(t, Allow, p.Decision)

	fc.Advance(2 * time.Hour)
	_, err = mgr.Lookup(ctx, "com.example.app", domain.SignEvent, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerGenericFallback(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	require.NoError(t, mgr.Grant(ctx, "caller", domain.SignEvent, domain.AnyKind, Forever))

	p, err := mgr.Lookup(ctx, "caller", domain.SignEvent, 30023)
	require.NoError(t, err)
	assert.Equal(t, Allow, p.Decision)
}

func TestManagerSensitiveKindNeverFallsBackToGeneric(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	require.NoError(t, mgr.Grant(ctx, "caller", domain.SignEvent, domain.AnyKind, Forever))

	_, err := mgr.Lookup(ctx, "caller", domain.SignEvent, 0) // kind 0 is sensitive
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerForeverDowngradedForSensitiveKind(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	require.NoError(t, mgr.Grant(ctx, "caller", domain.SignEvent, 0, Forever))

	p, err := mgr.Lookup(ctx, "caller", domain.SignEvent, 0)
	require.NoError(t, err)
	require.NotNil(t, p.ExpiresAt)
	assert.WithinDuration(t, fc.Now().Add(24*time.Hour), *p.ExpiresAt, time.Second)
}

func TestManagerJustThisTimeNeverPersists(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	require.NoError(t, mgr.Grant(ctx, "caller", domain.GetPublicKey, domain.AnyKind, JustThisTime))

	_, err := mgr.Lookup(ctx, "caller", domain.GetPublicKey, domain.AnyKind)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRevokeAll(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Now())
	mgr := NewManager(newMemStore(), fc)

	require.NoError(t, mgr.Grant(ctx, "caller", domain.SignEvent, 1, OneWeek))
	require.NoError(t, mgr.Grant(ctx, "caller", domain.Nip04Encrypt, domain.AnyKind, OneWeek))

	require.NoError(t, mgr.RevokeAll(ctx, "caller"))

	_, err := mgr.Lookup(ctx, "caller", domain.SignEvent, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.Lookup(ctx, "caller", domain.Nip04Encrypt, domain.AnyKind)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermissionIsExpiredBackwardJumpGuard(t *testing.T) {
	now := time.Now()
	p := &Permission{CreatedAt: now}
	assert.True(t, p.IsExpired(now.Add(-time.Minute)))
	assert.False(t, p.IsExpired(now.Add(time.Minute)))
}
