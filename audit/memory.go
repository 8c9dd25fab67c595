package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the chain in process, in append order.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := int64(len(s.entries)) + 1
	if entry.Sequence != expected {
		return fmt.Errorf("audit sequence gap: got %d, expected %d", entry.Sequence, expected)
	}

	clone := *entry
	s.entries = append(s.entries, &clone)

	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}

	clone := *s.entries[len(s.entries)-1]

	return &clone, nil
}

func (s *MemoryStore) Range(_ context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry

	for _, entry := range s.entries {
		if entry.Sequence < fromSeq {
			continue
		}

		if toSeq > 0 && entry.Sequence > toSeq {
			break
		}

		clone := *entry
		result = append(result, &clone)
	}

	return result, nil
}

// Tamper mutates a stored entry in place, bypassing the chain. Test hook for
// verification failure scenarios.
func (s *MemoryStore) Tamper(sequence int64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.Sequence == sequence {
			mutate(entry)

			return true
		}
	}

	return false
}
