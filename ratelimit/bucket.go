// Package ratelimit implements token-bucket admission control. The refill and
// consume arithmetic is pure and unit-testable; persistence happens through a
// Store whose Consume is a single atomic read-modify-write, so concurrent
// consumers against one bucket can never over-admit.
package ratelimit

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrInvalidRefillRate is returned when a bucket is configured with a
	// non-positive refill rate. The guard lives at construction time,
	// mirroring the durable store's CHECK constraint.
	ErrInvalidRefillRate = errors.New("refill rate must be greater than zero")
	// ErrInvalidMaxTokens is returned when a bucket capacity is non-positive.
	ErrInvalidMaxTokens = errors.New("max tokens must be greater than zero")
	// ErrNilStore is returned when a limiter is constructed without a store.
	ErrNilStore = errors.New("rate limit store is nil")
)

// Limits configures a bucket's capacity and refill behavior.
type Limits struct {
	// MaxTokens caps the bucket.
	MaxTokens float64
	// RefillRate is tokens added per second of elapsed time.
	RefillRate float64
}

// Validate rejects non-positive capacities and rates.
func (l Limits) Validate() error {
	if l.RefillRate <= 0 {
		return ErrInvalidRefillRate
	}

	if l.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}

	return nil
}

// Bucket is the state of one rate-limit bucket, keyed by actor+operation.
type Bucket struct {
	Key           string
	CurrentTokens float64
	MaxTokens     float64
	RefillRate    float64
	LastRefillAt  time.Time
}

// NewBucket creates a full bucket for the key.
func NewBucket(key string, limits Limits, now time.Time) (Bucket, error) {
	if err := limits.Validate(); err != nil {
		return Bucket{}, err
	}

	return Bucket{
		Key:           key,
		CurrentTokens: limits.MaxTokens,
		MaxTokens:     limits.MaxTokens,
		RefillRate:    limits.RefillRate,
		LastRefillAt:  now,
	}, nil
}

// Admission is the outcome of a consume attempt.
type Admission struct {
	Allowed   bool
	Remaining float64
	ResetAt   time.Time
}

// Refill returns the bucket state after continuous refill up to now. Pure.
func Refill(b Bucket, now time.Time) Bucket {
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	b.CurrentTokens = math.Min(b.MaxTokens, b.CurrentTokens+elapsed*b.RefillRate)
	b.LastRefillAt = now

	return b
}

// Consume applies refill-then-deduct arithmetic. Pure: it returns the new
// bucket state and the admission decision. On denial the refill still sticks
// but no tokens are deducted.
func Consume(b Bucket, n float64, now time.Time) (Bucket, Admission) {
	b = Refill(b, now)

	if b.CurrentTokens >= n {
		b.CurrentTokens -= n

		return b, Admission{
			Allowed:   true,
			Remaining: b.CurrentTokens,
			ResetAt:   now,
		}
	}

	deficit := n - b.CurrentTokens
	waitSeconds := deficit / b.RefillRate

	return b, Admission{
		Allowed:   false,
		Remaining: b.CurrentTokens,
		ResetAt:   now.Add(time.Duration(waitSeconds * float64(time.Second))),
	}
}
