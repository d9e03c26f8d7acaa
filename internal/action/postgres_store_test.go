//go:build integration

package action

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/testutil"
)

func TestPostgres_ApplyDedupesActive(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	c := NewController(NewPostgresStore(db), nil, nil, slog.Default())
	ctx := context.Background()
	ref := entity.Connection("smtp-1")

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, _, err := c.Apply(ctx, ApplyRequest{Entity: ref, TenantID: "t1", Type: TypeThrottle, Reason: "load", Duration: time.Hour})
			if assert.NoError(t, err) {
				ids <- a.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "one active action per entity and type")

	list, err := c.ListByEntity(ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0.5, list[0].Factor())
}

func TestPostgres_EndTransitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	c := NewController(store, nil, nil, slog.Default())
	ctx := context.Background()
	ref := entity.Tenant("t1")

	a, created, err := c.Apply(ctx, ApplyRequest{Entity: ref, TenantID: "t1", Type: TypeThrottle, Reason: "r", Duration: time.Hour})
	require.NoError(t, err)
	require.True(t, created)

	next, err := c.Escalate(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, TypePause, next.Type)

	old, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, old.Status)
	assert.Equal(t, next.ID, old.EscalatedTo)

	_, err = c.Revoke(ctx, a.ID, "too late", "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	revoked, err := c.Revoke(ctx, next.ID, "false positive", "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.Equal(t, "ops", revoked.RevokedBy)
	require.NotNil(t, revoked.RevokedAt)

	restriction, err := c.Restriction(ctx, []entity.Ref{ref})
	require.NoError(t, err)
	assert.Equal(t, RestrictionNone, restriction.Level)
}
