package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	vaultID uuid.UUID
	key     string
}

// MemoryStore is an in-memory idempotency store for tests and single-process
// use. All operations run under one mutex so CreatePending is first-writer-wins.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

func (s *MemoryStore) CreatePending(_ context.Context, record *Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{vaultID: record.VaultID, key: record.Key}

	if existing, ok := s.records[k]; ok {
		clone := *existing

		return false, &clone, nil
	}

	clone := *record
	s.records[k] = &clone

	return true, nil, nil
}

func (s *MemoryStore) Get(_ context.Context, vaultID uuid.UUID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey{vaultID: vaultID, key: key}]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, key)
	}

	clone := *record

	return &clone, nil
}

func (s *MemoryStore) Complete(_ context.Context, vaultID uuid.UUID, key string, result uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey{vaultID: vaultID, key: key}]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRecordNotFound, key)
	}

	now := time.Now().UTC()
	record.Completed = true
	record.Failed = false
	record.Result = result
	record.CompletedAt = &now

	return nil
}

func (s *MemoryStore) Fail(_ context.Context, vaultID uuid.UUID, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[recordKey{vaultID: vaultID, key: key}]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRecordNotFound, key)
	}

	now := time.Now().UTC()
	record.Completed = true
	record.Failed = true
	record.FailureReason = reason
	record.CompletedAt = &now

	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0

	for k, record := range s.records {
		if record.Completed && record.CreatedAt.Before(before) {
			delete(s.records, k)
			purged++
		}
	}

	return purged, nil
}
