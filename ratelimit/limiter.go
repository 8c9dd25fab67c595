package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store persists bucket state. Consume must execute the refill-then-deduct
// step as one atomic critical section per bucket key.
type Store interface {
	Consume(ctx context.Context, key string, n float64, limits Limits, now time.Time) (Admission, error)
}

// Limiter is the admission layer in front of operation submission.
type Limiter struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter with default limits applied to every bucket.
func NewLimiter(store Store, limits Limits, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if err := limits.Validate(); err != nil {
		return nil, err
	}

	limiter := &Limiter{
		store:  store,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}

	return limiter, nil
}

// Allow consumes n tokens from the bucket, creating it full on first use.
func (l *Limiter) Allow(ctx context.Context, bucketKey string, n float64) (Admission, error) {
	admission, err := l.store.Consume(ctx, bucketKey, n, l.limits, l.now())
	if err != nil {
		return Admission{}, fmt.Errorf("consume rate limit tokens: %w", err)
	}

	return admission, nil
}

// BucketKey builds the conventional actor+operation bucket key.
func BucketKey(actor, operation string) string {
	return actor + ":" + operation
}
