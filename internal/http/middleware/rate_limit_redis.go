package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims expired hits, counts the survivors and inserts
// the new hit only when the ceiling allows it. One script execution keeps
// the sequence atomic across concurrent callers, so the ceiling holds even
// under a burst. Returns {allowed, count-after, oldest-score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= ceiling then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, count, oldest[2]}
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {1, count + 1, oldest[2]}
`)

// RedisSlidingWindowLimiter enforces a trailing-window ceiling against the
// shared store so all replicas count the same traffic.
type RedisSlidingWindowLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisSlidingWindowLimiter(client redis.UniversalClient, keyPrefix string) *RedisSlidingWindowLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisSlidingWindowLimiter{client: client, keyPrefix: keyPrefix}
}

func (l *RedisSlidingWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.keyPrefix + ":" + key},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Ceiling,
		member,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply of %d values", len(res))
	}

	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))
	resetAt := now.Add(policy.Window)
	if len(res) >= 3 {
		if oldestMillis := scriptScoreMillis(res[2]); oldestMillis > 0 {
			resetAt = time.UnixMilli(oldestMillis).Add(policy.Window)
		}
	}

	decision := Decision{
		Allowed:   allowed,
		Current:   count,
		Remaining: max(policy.Ceiling-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		decision.RetryAfter = retry
	}
	return decision, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// scriptScoreMillis parses a ZRANGE WITHSCORES score as returned through a
// Lua reply, where numbers arrive as strings.
func scriptScoreMillis(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return toInt64(v)
	}
	var millis float64
	if _, err := fmt.Sscanf(s, "%f", &millis); err != nil {
		return 0
	}
	return int64(millis)
}
