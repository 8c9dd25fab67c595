package reconcile

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySnapshotStore is an in-memory SnapshotStore for tests and
// single-process deployments. Snapshots are kept per vault in insertion
// order.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID][]*Snapshot
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[uuid.UUID][]*Snapshot),
	}
}

// Save appends a copy of the snapshot.
func (s *MemorySnapshotStore) Save(_ context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return ErrNilSnapshotStore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *snapshot
	clone.Discrepancies = append([]Discrepancy(nil), snapshot.Discrepancies...)
	s.snapshots[snapshot.VaultID] = append(s.snapshots[snapshot.VaultID], &clone)

	return nil
}

// Latest returns the most recent snapshot for the vault, or nil.
func (s *MemorySnapshotStore) Latest(_ context.Context, vaultID uuid.UUID) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.snapshots[vaultID]
	if len(history) == 0 {
		return nil, nil
	}

	clone := *history[len(history)-1]
	clone.Discrepancies = append([]Discrepancy(nil), clone.Discrepancies...)

	return &clone, nil
}

// CountInconsistent counts vaults whose latest snapshot is inconsistent.
func (s *MemorySnapshotStore) CountInconsistent(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for _, history := range s.snapshots {
		if len(history) > 0 && !history[len(history)-1].IsConsistent {
			count++
		}
	}

	return count, nil
}

// ListForVault returns the newest snapshots first, up to limit.
func (s *MemorySnapshotStore) ListForVault(_ context.Context, vaultID uuid.UUID, limit int) ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.snapshots[vaultID]

	var out []*Snapshot

	for i := len(history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}

		clone := *history[i]
		clone.Discrepancies = append([]Discrepancy(nil), clone.Discrepancies...)
		out = append(out, &clone)
	}

	return out, nil
}
