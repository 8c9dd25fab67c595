package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const bucketKeyPrefix = "vaultledger:ratelimit:"

// consumeScript runs the refill-then-deduct step server-side so the whole
// read-modify-write is one atomic operation regardless of how many service
// instances share the bucket. On denial the refill is persisted but no
// tokens are deducted.
var consumeScript = redis.NewScript(`
local tokens_key = KEYS[1]
local n = tonumber(ARGV[1])
local max_tokens = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', tokens_key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill_ms = tonumber(state[2])

if tokens == nil or last_refill_ms == nil then
  tokens = max_tokens
  last_refill_ms = now_ms
end

local elapsed = (now_ms - last_refill_ms) / 1000.0
if elapsed < 0 then
  elapsed = 0
end

tokens = math.min(max_tokens, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= n then
  tokens = tokens - n
  allowed = 1
end

redis.call('HMSET', tokens_key, 'tokens', tokens, 'last_refill_ms', now_ms)
redis.call('PEXPIRE', tokens_key, ttl_ms)

return {allowed, tostring(tokens)}
`)

// RedisStore persists buckets in redis for deployments with multiple service
// instances sharing rate-limit state.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Compile-time assertion: *RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a redis-backed bucket store. Idle buckets expire
// after ttl (default one hour) to bound key growth.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilStore
	}

	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Consume(ctx context.Context, key string, n float64, limits Limits, now time.Time) (Admission, error) {
	if err := limits.Validate(); err != nil {
		return Admission{}, err
	}

	result, err := consumeScript.Run(ctx, s.client,
		[]string{bucketKeyPrefix + key},
		n,
		limits.MaxTokens,
		limits.RefillRate,
		now.UnixMilli(),
		s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("run rate limit script: %w", err)
	}

	if len(result) != 2 {
		return Admission{}, fmt.Errorf("unexpected rate limit script reply: %v", result)
	}

	allowed, _ := result[0].(int64)

	var remaining float64

	if raw, ok := result[1].(string); ok {
		if _, err := fmt.Sscanf(raw, "%g", &remaining); err != nil {
			return Admission{}, fmt.Errorf("parse remaining tokens %q: %w", raw, err)
		}
	}

	admission := Admission{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   now,
	}

	if !admission.Allowed {
		deficit := n - remaining
		waitSeconds := deficit / limits.RefillRate
		admission.ResetAt = now.Add(time.Duration(waitSeconds * float64(time.Second)))
	}

	return admission, nil
}
