package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTransactionStore is an in-memory TransactionStore for tests and
// single-process deployments.
type MemoryTransactionStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*TransactionRecord
}

var _ TransactionStore = (*MemoryTransactionStore)(nil)

// NewMemoryTransactionStore creates an empty transaction store.
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{
		records: make(map[uuid.UUID]*TransactionRecord),
	}
}

// Create persists a copy of the record.
func (s *MemoryTransactionStore) Create(_ context.Context, record *TransactionRecord) error {
	if record == nil {
		return ErrTransactionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("transaction %s already exists", record.ID)
	}

	s.records[record.ID] = record.Clone()

	return nil
}

// Get returns a copy of the record.
func (s *MemoryTransactionStore) Get(_ context.Context, id uuid.UUID) (*TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	return record.Clone(), nil
}

// Transition moves a pending record to a terminal status exactly once.
func (s *MemoryTransactionStore) Transition(_ context.Context, id uuid.UUID, to Status, proof ExternalProof, reason string) (*TransactionRecord, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot transition to %q", ErrStatusFinal, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is already %s", ErrStatusFinal, id, record.Status)
	}

	record.Status = to
	record.Proof = proof
	record.FailureReason = reason
	record.UpdatedAt = time.Now().UTC()

	return record.Clone(), nil
}

// ListByVault returns records referencing the vault, newest first.
func (s *MemoryTransactionStore) ListByVault(_ context.Context, vaultID uuid.UUID, limit int) ([]*TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TransactionRecord

	for _, record := range s.records {
		if record.VaultID == vaultID || record.SourceVaultID == vaultID || record.DestinationVaultID == vaultID {
			out = append(out, record.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// CountByStatus counts records in the given status.
func (s *MemoryTransactionStore) CountByStatus(_ context.Context, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for _, record := range s.records {
		if record.Status == status {
			count++
		}
	}

	return count, nil
}
