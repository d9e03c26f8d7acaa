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

	"github.com/mbd888/sendguard/internal/audit"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/testutil"
)

type fakePlans struct {
	mu     sync.Mutex
	limits map[string]int64
}

func newFakePlans() *fakePlans {
	return &fakePlans{limits: make(map[string]int64)}
}

func (f *fakePlans) set(tenantID string, limit int64) {
	f.mu.Lock()
	f.limits[tenantID] = limit
	f.mu.Unlock()
}

func (f *fakePlans) QuotaPlan(_ context.Context, tenantID string) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	limit, ok := f.limits[tenantID]
	if !ok {
		return "", 0, ErrUnknownTenant
	}
	return "starter", limit, nil
}

type fakeGuard struct {
	restriction Restriction
	err         error
	calls       atomic.Int32
}

func (g *fakeGuard) Restriction(_ context.Context, refs []entity.Ref) (Restriction, error) {
	g.calls.Add(1)
	return g.restriction, g.err
}

type fakeThrottler struct{ allow bool }

func (t fakeThrottler) AllowN(string, float64, int64) bool { return t.allow }

func (t fakeThrottler) ReturnN(string, int64) {}

type fixture struct {
	manager *Manager
	store   *MemoryStore
	plans   *fakePlans
	audit   *audit.MemoryStore
	clock   *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	plans := newFakePlans()
	auditStore := audit.NewMemoryStore()
	clock := testutil.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	log := audit.NewLog(auditStore, slog.Default()).WithClock(clock.Now)
	m := NewManager(store, plans, log, slog.Default()).WithClock(clock.Now)
	return &fixture{manager: m, store: store, plans: plans, audit: auditStore, clock: clock}
}

func (f *fixture) reserve(t *testing.T, tenantID, key string, amount int64) (*Reservation, error) {
	t.Helper()
	return f.manager.Reserve(context.Background(), ReserveRequest{
		TenantID: tenantID,
		Amount:   amount,
		Key:      key,
		TTL:      time.Minute,
	})
}

func (f *fixture) usage(t *testing.T, tenantID string) *Pool {
	t.Helper()
	p, err := f.manager.Usage(context.Background(), tenantID)
	require.NoError(t, err)
	return p
}

func TestReserve_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 1000)
	ctx := context.Background()

	base, err := f.reserve(t, "t1", "seed", 950)
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, base.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(950), f.usage(t, "t1").Confirmed)

	_, err = f.reserve(t, "t1", "k60", 60)
	assert.ErrorIs(t, err, ErrInsufficientQuota)
	assert.Equal(t, "insufficient_quota", ReasonCode(err))

	res, err := f.reserve(t, "t1", "k40", 40)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, f.clock.Now().Add(time.Minute), res.ExpiresAt)

	confirmed, err := f.manager.Confirm(ctx, "k40")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, int64(990), f.usage(t, "t1").Confirmed)

	_, err = f.reserve(t, "t1", "k20", 20)
	assert.ErrorIs(t, err, ErrInsufficientQuota)
}

func TestReserve_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	ctx := context.Background()

	first, err := f.reserve(t, "t1", "same-key", 30)
	require.NoError(t, err)
	second, err := f.reserve(t, "t1", "same-key", 30)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(30), f.usage(t, "t1").Pending, "replay does not reserve twice")

	_, err = f.manager.Confirm(ctx, "same-key")
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, "same-key")
	require.NoError(t, err, "second confirm is a no-op")

	pool := f.usage(t, "t1")
	assert.Equal(t, int64(30), pool.Confirmed, "quota reduced once")
	assert.Equal(t, int64(0), pool.Pending)

	third, err := f.reserve(t, "t1", "same-key", 30)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, StatusConfirmed, third.Status)
}

func TestReserve_DuplicateKeyDifferentParameters(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	f.plans.set("t2", 100)

	_, err := f.reserve(t, "t1", "k", 10)
	require.NoError(t, err)

	_, err = f.reserve(t, "t1", "k", 11)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	_, err = f.reserve(t, "t2", "k", 10)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
}

func TestReserve_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)

	_, err := f.reserve(t, "t1", "k", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.reserve(t, "t1", "", 5)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.reserve(t, "nobody", "k", 5)
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = f.manager.Reserve(context.Background(), ReserveRequest{TenantID: "t1", PlanID: "enterprise", Amount: 1, Key: "k"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReserve_PoolInvariantUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 500)

	var wg sync.WaitGroup
	var granted atomic.Int64
	var denied atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reserve(t, "t1", fmt.Sprintf("k%d", i), 7)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrInsufficientQuota):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	pool := f.usage(t, "t1")
	assert.LessOrEqual(t, pool.Confirmed+pool.Pending, pool.Limit)
	assert.Equal(t, int64(500/7), granted.Load())
	assert.Equal(t, int64(200-500/7), denied.Load())
	assert.Equal(t, granted.Load()*7, pool.Pending)
}

func TestReserve_DifferentTenantsIndependent(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 10)
	f.plans.set("t2", 10)

	_, err := f.reserve(t, "t1", "a", 10)
	require.NoError(t, err)
	_, err = f.reserve(t, "t2", "b", 10)
	require.NoError(t, err)
	_, err = f.reserve(t, "t1", "c", 1)
	assert.ErrorIs(t, err, ErrInsufficientQuota)
}

func TestReserve_Restrictions(t *testing.T) {
	cases := []struct {
		name    string
		r       Restriction
		throt   Throttler
		wantErr error
		reason  string
	}{
		{"blacklisted", Restriction{Level: RestrictionBlacklisted, Entity: entity.Tenant("t1")}, nil, ErrEntityBlacklisted, "entity_blacklisted"},
		{"suspended", Restriction{Level: RestrictionSuspended, Entity: entity.Connection("c1")}, nil, ErrEntitySuspended, "entity_suspended"},
		{"throttled over budget", Restriction{Level: RestrictionThrottled, Factor: 0.5}, fakeThrottler{allow: false}, ErrThrottled, "throttled"},
		{"throttled within budget", Restriction{Level: RestrictionThrottled, Factor: 0.5}, fakeThrottler{allow: true}, nil, ""},
		{"none", Restriction{Level: RestrictionNone}, nil, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.plans.set("t1", 1_000_000)
			f.manager.WithGuard(&fakeGuard{restriction: tc.r})
			if tc.throt != nil {
				f.manager.WithThrottler(tc.throt)
			}

			_, err := f.reserve(t, "t1", "k", 1)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.reason, ReasonCode(err))
			assert.Equal(t, int64(0), f.usage(t, "t1").Pending)
		})
	}
}

func TestReserve_GuardErrorFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 10)
	f.manager.WithGuard(&fakeGuard{err: errors.New("action store unavailable")})

	_, err := f.reserve(t, "t1", "k", 1)
	assert.NoError(t, err)
}

func TestReserve_ReplaySkipsGuard(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 10)
	g := &fakeGuard{}
	f.manager.WithGuard(g)

	_, err := f.reserve(t, "t1", "k", 1)
	require.NoError(t, err)
	g.restriction = Restriction{Level: RestrictionSuspended}

	_, err = f.reserve(t, "t1", "k", 1)
	assert.NoError(t, err, "an already granted reservation is returned as is")
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	ctx := context.Background()

	_, err := f.reserve(t, "t1", "k", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(40), f.usage(t, "t1").Available())

	res, err := f.manager.Cancel(ctx, "k", "send aborted")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, "send aborted", res.CancelReason)
	assert.Equal(t, int64(100), f.usage(t, "t1").Available(), "capacity released")

	_, err = f.manager.Cancel(ctx, "k", "again")
	assert.NoError(t, err, "idempotent cancel")

	_, err = f.manager.Confirm(ctx, "k")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAfterConfirmFails(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	ctx := context.Background()

	_, err := f.reserve(t, "t1", "k", 10)
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, "k")
	require.NoError(t, err)

	_, err = f.manager.Cancel(ctx, "k", "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(10), f.usage(t, "t1").Confirmed)
}

func TestConfirmAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	ctx := context.Background()

	_, err := f.reserve(t, "t1", "k", 10)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, int64(0), f.usage(t, "t1").Pending, "expired reservations stop withholding before the sweep")

	res, err := f.manager.Confirm(ctx, "k")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NotNil(t, res)
	assert.Equal(t, StatusExpired, res.Status)
	assert.Equal(t, int64(0), f.usage(t, "t1").Confirmed)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.reserve(t, "t1", fmt.Sprintf("old%d", i), 10)
		require.NoError(t, err)
	}
	f.clock.Advance(2 * time.Minute)
	_, err := f.reserve(t, "t1", "fresh", 10)
	require.NoError(t, err)

	n, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	old, err := f.store.GetByKey(ctx, "old0")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, old.Status)
	require.NotNil(t, old.ExpiredAt)

	fresh, err := f.store.GetByKey(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)

	n, err = f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepExpired_ConcurrentSweepersClaimOnce(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 10000)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := f.reserve(t, "t1", fmt.Sprintf("k%d", i), 1)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	var total atomic.Int64
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.manager.SweepExpired(ctx)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), total.Load())

	recs, err := f.audit.ListByTenant(ctx, "t1", 0)
	require.NoError(t, err)
	expired := 0
	for _, r := range recs {
		if r.Action() == "expired" {
			expired++
		}
	}
	assert.Equal(t, 50, expired, "one audit record per expiry")
}

func TestConfirmRacesSweep(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.plans.set("t1", 100)
		ctx := context.Background()

		_, err := f.reserve(t, "t1", "k", 10)
		require.NoError(t, err)

		// Move the store's view of time past expiry for the sweep only.
		sweeper := NewManager(f.store, f.plans, nil, slog.Default()).
			WithClock(func() time.Time { return f.clock.Now().Add(time.Hour) })

		var wg sync.WaitGroup
		var confirmErr error
		var swept int
		wg.Add(2)
		go func() { defer wg.Done(); _, confirmErr = f.manager.Confirm(ctx, "k") }()
		go func() { defer wg.Done(); swept, _ = sweeper.SweepExpired(ctx) }()
		wg.Wait()

		res, err := f.store.GetByKey(ctx, "k")
		require.NoError(t, err)
		switch res.Status {
		case StatusConfirmed:
			assert.NoError(t, confirmErr)
			assert.Equal(t, 0, swept)
			assert.Equal(t, int64(10), f.usage(t, "t1").Confirmed)
		case StatusExpired:
			assert.ErrorIs(t, confirmErr, ErrInvalidTransition)
			assert.Equal(t, 1, swept)
			assert.Equal(t, int64(0), f.usage(t, "t1").Confirmed)
		default:
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
}

func TestTransitionsArePrefixOfLifecycle(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)
	ctx := context.Background()

	_, err := f.reserve(t, "t1", "a", 1)
	require.NoError(t, err)
	_, err = f.manager.Confirm(ctx, "a")
	require.NoError(t, err)
	_, _ = f.manager.Cancel(ctx, "a", "x")
	f.clock.Advance(time.Hour)
	_, _ = f.manager.SweepExpired(ctx)

	recs, err := f.audit.ListByTenant(ctx, "t1", 0)
	require.NoError(t, err)
	var actions []string
	for i := len(recs) - 1; i >= 0; i-- {
		actions = append(actions, recs[i].Action())
	}
	assert.Equal(t, []string{"reserved", "confirmed"}, actions)
}

func TestTimer_SweepsOnInterval(t *testing.T) {
	f := newFixture(t)
	f.plans.set("t1", 100)

	_, err := f.reserve(t, "t1", "k", 10)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	timer := NewTimer(f.manager, slog.Default()).WithInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, func() bool {
		r, err := f.store.GetByKey(context.Background(), "k")
		return err == nil && r.Status == StatusExpired
	}, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	cancel()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
