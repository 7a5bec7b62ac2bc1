package service

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "sessions:"

// registerSessionScript inserts the token and evicts the single oldest member
// when the cap is exceeded, as one atomic sequence. With one insertion per
// call and a fixed cap, at most one eviction is ever needed.
var registerSessionScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
local evicted = ""
if redis.call("ZCARD", KEYS[1]) > tonumber(ARGV[3]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0)
  evicted = oldest[1]
  redis.call("ZREM", KEYS[1], evicted)
end
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return evicted
`)

// SessionRegistry tracks the bounded set of live access tokens per subject in
// a shared sorted set scored by insertion time. FIFO eviction keeps
// |sessions(subject)| <= maxSessions at all times.
type SessionRegistry struct {
	rdb         redis.UniversalClient
	maxSessions int
}

// SessionInfo is the read-only snapshot for session-management surfaces.
type SessionInfo struct {
	Count  int      `json:"count"`
	Max    int      `json:"max"`
	Tokens []string `json:"tokens"`
}

func NewSessionRegistry(rdb redis.UniversalClient, maxSessions int) *SessionRegistry {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &SessionRegistry{rdb: rdb, maxSessions: maxSessions}
}

func (r *SessionRegistry) key(subject uint) string {
	return sessionKeyPrefix + strconv.FormatUint(uint64(subject), 10)
}

// Register adds the token to the subject's session set and returns the token
// evicted to stay under the cap, if any. The set's TTL mirrors the access
// token lifetime so abandoned sets expire on their own.
func (r *SessionRegistry) Register(ctx context.Context, subject uint, token string, ttl time.Duration) (string, error) {
	// Microsecond scores stay exactly representable as Lua doubles.
	now := time.Now().UnixMicro()
	res, err := registerSessionScript.Run(ctx, r.rdb,
		[]string{r.key(subject)},
		now,
		token,
		r.maxSessions,
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		return "", storeErr("register session", err)
	}
	return res, nil
}

// Remove drops a single token from the subject's session set.
func (r *SessionRegistry) Remove(ctx context.Context, subject uint, token string) error {
	if err := r.rdb.ZRem(ctx, r.key(subject), token).Err(); err != nil {
		return storeErr("remove session", err)
	}
	return nil
}

// Clear drops the subject's whole session set.
func (r *SessionRegistry) Clear(ctx context.Context, subject uint) error {
	if err := r.rdb.Del(ctx, r.key(subject)).Err(); err != nil {
		return storeErr("clear sessions", err)
	}
	return nil
}

// Members returns the subject's live tokens in insertion order.
func (r *SessionRegistry) Members(ctx context.Context, subject uint) ([]string, error) {
	tokens, err := r.rdb.ZRange(ctx, r.key(subject), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return tokens, nil
}

// Info returns a snapshot of the subject's session set.
func (r *SessionRegistry) Info(ctx context.Context, subject uint) (*SessionInfo, error) {
	tokens, err := r.Members(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{Count: len(tokens), Max: r.maxSessions, Tokens: tokens}, nil
}
