package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps bucket state in process. A single mutex serializes the
// refill-then-deduct step across concurrent consumers.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket)}
}

func (s *MemoryStore) Consume(_ context.Context, key string, n float64, limits Limits, now time.Time) (Admission, error) {
	if err := limits.Validate(); err != nil {
		return Admission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		var err error

		bucket, err = NewBucket(key, limits, now)
		if err != nil {
			return Admission{}, err
		}
	}

	bucket, admission := Consume(bucket, n, now)
	s.buckets[key] = bucket

	return admission, nil
}
