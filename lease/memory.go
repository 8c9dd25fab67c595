package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

// MemoryStore is an in-memory lease store for tests and single-process use.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*PendingOperation
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[uuid.UUID]*PendingOperation)}
}

func (s *MemoryStore) Insert(_ context.Context, op *PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	for _, existing := range s.ops {
		if existing.VaultID == op.VaultID && existing.Status == StatusInProgress && !existing.Expired(now) {
			return fmt.Errorf("%w: vault %s", vaultledger.ErrAlreadyLocked, op.VaultID)
		}
	}

	clone := *op
	s.ops[op.OperationID] = &clone

	return nil
}

func (s *MemoryStore) ActiveForVault(_ context.Context, vaultID uuid.UUID) (*PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.ops {
		if op.VaultID == vaultID && op.Status == StatusInProgress {
			clone := *op

			return &clone, nil
		}
	}

	return nil, nil
}

func (s *MemoryStore) Finish(_ context.Context, operationID uuid.UUID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[operationID]
	if !ok {
		return fmt.Errorf("operation %s not found", operationID)
	}

	op.Status = status

	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0

	for _, op := range s.ops {
		if op.Status == StatusInProgress && op.Expired(now) {
			op.Status = StatusFailed
			reclaimed++
		}
	}

	return reclaimed, nil
}
