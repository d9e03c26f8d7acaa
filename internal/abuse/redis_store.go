package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// tryFireScript records a firing unless the stored timestamp is within the
// cooldown. Times are unix milliseconds supplied by the caller so every
// instance judges cooldowns on the same clock as the evaluator.
const tryFireScript = `
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if last and now - tonumber(last) <= cooldown then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', cooldown + tonumber(ARGV[3]))
return 1
`

// retainAfterCooldown keeps a key around past its cooldown so LastFired
// still answers for a while.
const retainAfterCooldown = 24 * time.Hour

// RedisClient is the subset of go-redis used here.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Get(ctx context.Context, key string) (string, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
}

// NewRedisAdapter wraps a go-redis client to satisfy RedisClient.
func NewRedisAdapter(client redis.UniversalClient) RedisClient {
	return &redisAdapter{client: client}
}

type redisAdapter struct {
	client redis.UniversalClient
}

func (r *redisAdapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return r.client.Eval(ctx, script, keys, args...).Result()
}

func (r *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errKeyMissing
	}
	return v, err
}

func (r *redisAdapter) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.client.IncrBy(ctx, key, n).Result()
}

var errKeyMissing = errors.New("abuse: redis key missing")

// RedisCooldowns shares the cooldown index across instances.
type RedisCooldowns struct {
	client RedisClient
	prefix string
}

// NewRedisCooldowns creates a Redis-backed cooldown index.
func NewRedisCooldowns(client RedisClient, prefix string) *RedisCooldowns {
	if prefix == "" {
		prefix = "sendguard"
	}
	return &RedisCooldowns{client: client, prefix: prefix}
}

func (r *RedisCooldowns) key(ruleCode, tenantID string) string {
	return fmt.Sprintf("%s:cooldown:%s:%s", r.prefix, ruleCode, tenantID)
}

func (r *RedisCooldowns) TryFire(ctx context.Context, ruleCode, tenantID string, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := r.client.Eval(ctx, tryFireScript, []string{r.key(ruleCode, tenantID)},
		now.UnixMilli(), cooldown.Milliseconds(), retainAfterCooldown.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("redis try fire: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis try fire: unexpected reply %v", res)
	}
	return n == 1, nil
}

func (r *RedisCooldowns) LastFired(ctx context.Context, ruleCode, tenantID string) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, r.key(ruleCode, tenantID))
	if errors.Is(err, errKeyMissing) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis last fired: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis last fired: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// RedisPoints keeps abuse-point totals in Redis counters.
type RedisPoints struct {
	client RedisClient
	prefix string
}

// NewRedisPoints creates a Redis-backed points ledger.
func NewRedisPoints(client RedisClient, prefix string) *RedisPoints {
	if prefix == "" {
		prefix = "sendguard"
	}
	return &RedisPoints{client: client, prefix: prefix}
}

func (r *RedisPoints) key(tenantID string) string {
	return fmt.Sprintf("%s:points:%s", r.prefix, tenantID)
}

func (r *RedisPoints) Add(ctx context.Context, tenantID string, points int, _ time.Time) (int64, error) {
	return r.client.IncrBy(ctx, r.key(tenantID), int64(points))
}

func (r *RedisPoints) Total(ctx context.Context, tenantID string) (int64, error) {
	v, err := r.client.Get(ctx, r.key(tenantID))
	if errors.Is(err, errKeyMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
