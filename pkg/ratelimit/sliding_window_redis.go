package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements the sliding-window-log algorithm atomically:
// it prunes entries older than the window, counts what remains, and — only
// if still under limit — adds the new entry. This mirrors the teacher's
// token-bucket Lua script (limiter_redis.go) but swaps the algorithm for a
// sorted-set sliding window, matching spec §4.D exactly rather than
// token-bucket semantics.
//
// KEYS[1] = window key
// ARGV[1] = now (unix micros, used as both score and member disambiguator)
// ARGV[2] = window size in micros
// ARGV[3] = limit
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - size)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
    redis.call("ZADD", key, now, now .. "-" .. redis.call("INCR", key .. ":seq"))
    count = count + 1
    allowed = 1
end
redis.call("PEXPIRE", key, math.ceil(size / 1000) + 1000)
redis.call("PEXPIRE", key .. ":seq", math.ceil(size / 1000) + 1000)

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
    oldestScore = tonumber(oldest[2])
end

return {allowed, count, oldestScore}
`)

// RedisWindowStore is a distributed backend for the sliding-window Limiter,
// for deployments where rate-limit state must be shared across process
// instances. It offers only Acquire, against one caller-chosen Redis key and
// limit per call; it has no Check, and it does not combine a tenant and a
// user window the way Limiter.Acquire does.
type RedisWindowStore struct {
	client *redis.Client
	window time.Duration
}

// NewRedisWindowStore builds a store backed by the given Redis client.
func NewRedisWindowStore(client *redis.Client, window time.Duration) *RedisWindowStore {
	if window <= 0 {
		window = DefaultWindowSeconds * time.Second
	}
	return &RedisWindowStore{client: client, window: window}
}

// Acquire runs the atomic Lua sliding-window check against key with the
// given limit. Returns the decision; err is non-nil only on Redis failure,
// never on a rate-limit rejection (that's Decision.Allowed == false).
func (s *RedisWindowStore) Acquire(ctx context.Context, key string, limit int) (Decision, error) {
	now := time.Now()
	nowMicros := now.UnixMicro()
	sizeMicros := s.window.Microseconds()

	res, err := slidingWindowScript.Run(ctx, s.client, []string{"rl:" + key}, nowMicros, sizeMicros, limit).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis sliding window error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected redis script result shape")
	}

	allowed, _ := results[0].(int64)
	count, _ := results[1].(int64)
	oldestMicros, _ := results[2].(int64)

	oldest := time.UnixMicro(oldestMicros)
	resetAt := oldest.Add(s.window)
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return Decision{
		Allowed:    allowed == 1,
		Current:    int(count),
		Limit:      limit,
		Remaining:  remaining(limit, int(count)),
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}
