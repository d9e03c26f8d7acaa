//go:build integration

package risk

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/policy"
	"github.com/mbd888/sendguard/internal/testutil"
)

func TestPostgres_SaveVersionCheck(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)
	ctx := context.Background()
	ref := entity.Tenant("t1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	ev := NewEvent(EventInput{Entity: ref, TenantID: "t1", Type: EventManual, Before: 0, After: 10, OccurredAt: now})
	require.NoError(t, s.Save(ctx, &Score{Entity: ref, TenantID: "t1", Value: 10, Level: LevelLow, Version: 1, UpdatedAt: now}, 0, ev))

	stale := NewEvent(EventInput{Entity: ref, TenantID: "t1", Type: EventManual, Before: 0, After: 5, OccurredAt: now})
	err := s.Save(ctx, &Score{Entity: ref, TenantID: "t1", Value: 5, Level: LevelLow, Version: 1, UpdatedAt: now}, 0, stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := s.GetScore(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Value)
	assert.Equal(t, int64(1), got.Version)

	events, err := s.ListEvents(ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID(), events[0].ID())
}

func TestPostgres_EngineSerialisesPerEntity(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	provider, err := policy.NewProvider(nil, policy.DefaultDocument(), slog.Default())
	require.NoError(t, err)
	e := NewEngine(NewPostgresStore(db), provider, nil, slog.Default())
	ctx := context.Background()
	ref := entity.Connection("c1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Adjust(ctx, ref, "t1", 1, "load test")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := e.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 20.0, score.Value)

	events, err := e.Events(ctx, ref, 100)
	require.NoError(t, err)
	require.Len(t, events, 20)
	assert.Equal(t, score.Value, events[0].After(), "newest event matches the score")
}
