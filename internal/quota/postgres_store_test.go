//go:build integration

package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sendguard/internal/testutil"
)

func newPostgresManager(t *testing.T) (*Manager, *fakePlans, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	plans := newFakePlans()
	return NewManager(NewPostgresStore(db), plans, nil, slog.Default()), plans, cleanup
}

func TestPostgres_ReserveConfirmCancel(t *testing.T) {
	m, plans, cleanup := newPostgresManager(t)
	defer cleanup()
	plans.set("t1", 100)
	ctx := context.Background()

	r, err := m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 60, Key: "a", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	replay, err := m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 60, Key: "a", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, r.ID, replay.ID)

	_, err = m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 50, Key: "b", TTL: time.Minute})
	assert.ErrorIs(t, err, ErrInsufficientQuota)

	confirmed, err := m.Confirm(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	_, err = m.Confirm(ctx, "a")
	require.NoError(t, err)

	_, err = m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 30, Key: "c", TTL: time.Minute})
	require.NoError(t, err)
	cancelled, err := m.Cancel(ctx, "c", "campaign aborted")
	require.NoError(t, err)
	assert.Equal(t, "campaign aborted", cancelled.CancelReason)
	_, err = m.Confirm(ctx, "c")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pool, err := m.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), pool.Confirmed)
	assert.Equal(t, int64(0), pool.Pending)
}

func TestPostgres_PoolInvariantUnderConcurrency(t *testing.T) {
	m, plans, cleanup := newPostgresManager(t)
	defer cleanup()
	plans.set("t1", 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 7, Key: fmt.Sprintf("k%d", i), TTL: time.Minute})
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrInsufficientQuota):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	pool, err := m.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100/7), granted.Load())
	assert.Equal(t, granted.Load()*7, pool.Pending)
}

func TestPostgres_SweepExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	plans := newFakePlans()
	plans.set("t1", 100)
	clock := testutil.NewClock(time.Now().UTC().Truncate(time.Microsecond))
	m := NewManager(NewPostgresStore(db), plans, nil, slog.Default()).WithClock(clock.Now)
	ctx := context.Background()

	_, err := m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 80, Key: "x", TTL: time.Second})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Reserve(ctx, ReserveRequest{TenantID: "t1", Amount: 80, Key: "y", TTL: time.Minute})
	require.NoError(t, err, "expired pending reservations hold no capacity")

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, mustID(t, m, "t1", "x"))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func mustID(t *testing.T, m *Manager, tenantID, key string) string {
	t.Helper()
	list, err := m.ListByTenant(context.Background(), tenantID, 100)
	require.NoError(t, err)
	for _, r := range list {
		if r.Key == key {
			return r.ID
		}
	}
	t.Fatalf("reservation %s not found", key)
	return ""
}
