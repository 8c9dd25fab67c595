//go:build unit

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempts int
		expected time.Duration
	}{
		{name: "first attempt", base: 30 * time.Second, attempts: 1, expected: 30 * time.Second},
		{name: "third attempt", base: 30 * time.Second, attempts: 3, expected: 90 * time.Second},
		{name: "zero attempts treated as one", base: time.Second, attempts: 0, expected: time.Second},
		{name: "negative attempts treated as one", base: time.Second, attempts: -5, expected: time.Second},
		{name: "zero base", base: 0, attempts: 3, expected: 0},
		{name: "overflow saturates", base: time.Duration(1) << 62, attempts: 100, expected: time.Duration(1<<63 - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Linear(tt.base, tt.attempts))
		})
	}
}

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Exponential(time.Second, 0))
	assert.Equal(t, 2*time.Second, Exponential(time.Second, 1))
	assert.Equal(t, 8*time.Second, Exponential(time.Second, 3))
	assert.Equal(t, time.Second, Exponential(time.Second, -1))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	// huge attempts saturate instead of overflowing
	assert.Equal(t, time.Duration(1<<63-1), Exponential(time.Hour, 80))
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 50 {
		jittered := FullJitter(time.Second)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, time.Second)
	}
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		ceiling := Exponential(100*time.Millisecond, attempt)

		for range 20 {
			jittered := ExponentialWithJitter(100*time.Millisecond, attempt)
			assert.GreaterOrEqual(t, jittered, time.Duration(0))
			assert.Less(t, jittered, ceiling)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(t.Context(), 0))
	require.NoError(t, SleepWithContext(t.Context(), -time.Second))
	require.NoError(t, SleepWithContext(t.Context(), time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
