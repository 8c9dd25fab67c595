//go:build unit

package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()

	server := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, ttl)
	require.NoError(t, err)

	return store
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStore(nil, time.Minute)
	require.ErrorIs(t, err, ErrNilStore)
}

func TestRedisStoreConsume(t *testing.T) {
	t.Parallel()

	store := newRedisStore(t, time.Minute)
	now := time.Now().UTC()

	for i := range 10 {
		admission, err := store.Consume(t.Context(), "actor:lock", 1, testLimits, now)
		require.NoError(t, err)
		require.True(t, admission.Allowed, "request %d", i)
	}

	admission, err := store.Consume(t.Context(), "actor:lock", 1, testLimits, now)
	require.NoError(t, err)
	assert.False(t, admission.Allowed)
	assert.InDelta(t, 0.0, admission.Remaining, 1e-9)
	assert.Equal(t, now.Add(time.Second), admission.ResetAt)

	// one second of refill at 1 token/sec readmits a single request
	admission, err = store.Consume(t.Context(), "actor:lock", 1, testLimits, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, admission.Allowed)

	// separate keys get separate buckets
	admission, err = store.Consume(t.Context(), "other:lock", 1, testLimits, now)
	require.NoError(t, err)
	assert.True(t, admission.Allowed)
	assert.InDelta(t, 9.0, admission.Remaining, 1e-9)
}

func TestRedisStoreRejectsBadLimits(t *testing.T) {
	t.Parallel()

	store := newRedisStore(t, time.Minute)

	_, err := store.Consume(t.Context(), "k", 1, Limits{MaxTokens: 10, RefillRate: 0}, time.Now().UTC())
	require.ErrorIs(t, err, ErrInvalidRefillRate)
}
