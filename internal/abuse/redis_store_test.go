package abuse

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis emulates the cooldown script and counters in memory.
type fakeRedis struct {
	mu   sync.Mutex
	vals map[string]string
	keys []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: make(map[string]string)}
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys[0])
	now := args[0].(int64)
	cooldown := args[1].(int64)
	if last, ok := f.vals[keys[0]]; ok {
		l, _ := strconv.ParseInt(last, 10, 64)
		if now-l <= cooldown {
			return int64(0), nil
		}
	}
	f.vals[keys[0]] = strconv.FormatInt(now, 10)
	return int64(1), nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return "", errKeyMissing
	}
	return v, nil
}

func (f *fakeRedis) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, _ := strconv.ParseInt(f.vals[key], 10, 64)
	cur += n
	f.vals[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func TestRedisCooldowns(t *testing.T) {
	fake := newFakeRedis()
	c := NewRedisCooldowns(fake, "")
	ctx := context.Background()
	t0 := time.UnixMilli(1_780_000_000_000).UTC()

	ok, err := c.TryFire(ctx, "retry_abuse", "t1", t0, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sendguard:cooldown:retry_abuse:t1", fake.keys[0])

	ok, err = c.TryFire(ctx, "retry_abuse", "t1", t0.Add(10*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	last, found, err := c.LastFired(ctx, "retry_abuse", "t1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, t0, last)

	_, found, err = c.LastFired(ctx, "retry_abuse", "t2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisPoints(t *testing.T) {
	p := NewRedisPoints(newFakeRedis(), "test")
	ctx := context.Background()

	total, err := p.Total(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = p.Add(ctx, "t1", 10, time.Now())
	require.NoError(t, err)
	total, err = p.Add(ctx, "t1", 15, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)

	total, err = p.Total(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
}
