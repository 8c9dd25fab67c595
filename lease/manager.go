package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/log"
)

// Locker is the lock manager contract the ledger service depends on.
type Locker interface {
	// Acquire takes an exclusive lease on a vault, failing with
	// vaultledger.ErrAlreadyLocked while an unexpired lease exists. Expired
	// leases are reclaimed transparently.
	Acquire(ctx context.Context, vaultID uuid.UUID, info OperationInfo) (*Lease, error)

	// AcquirePair takes leases on two vaults in canonical order (lexicographic
	// by vault id) so concurrently-initiated opposite-direction transfers
	// cannot deadlock. On failure of the second acquisition the first lease is
	// released.
	AcquirePair(ctx context.Context, first, second uuid.UUID, info OperationInfo) (*Lease, *Lease, error)
}

// Manager serializes vault mutations with an in-process registry layered over
// persisted lease rows, so a restart can observe (and reclaim) leases left by
// a crashed predecessor.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger log.Logger

	mu   sync.Mutex
	held map[uuid.UUID]*PendingOperation
}

// Compile-time assertion: *Manager implements Locker.
var _ Locker = (*Manager)(nil)

// NewManager creates a lease manager. A non-positive ttl falls back to
// DefaultTTL.
func NewManager(store Store, ttl time.Duration, logger log.Logger) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		held:   make(map[uuid.UUID]*PendingOperation),
	}, nil
}

// Acquire implements Locker.
func (m *Manager) Acquire(ctx context.Context, vaultID uuid.UUID, info OperationInfo) (*Lease, error) {
	if info.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	if info.OperationID == uuid.Nil {
		info.OperationID = uuid.New()
	}

	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.held[vaultID]; ok {
		if !existing.Expired(now) {
			return nil, fmt.Errorf("%w: vault %s locked by operation %s",
				vaultledger.ErrAlreadyLocked, vaultID, existing.OperationID)
		}

		// Stale-lease reclamation: the previous holder crashed or stalled past
		// its TTL and loses its exclusive claim.
		m.reclaimLocked(ctx, existing)
	}

	// Crash recovery: a persisted row from a previous process may still gate
	// the vault even though the in-process registry is empty.
	persisted, err := m.store.ActiveForVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("lookup active lease: %w", err)
	}

	if persisted != nil {
		if !persisted.Expired(now) {
			return nil, fmt.Errorf("%w: vault %s locked by operation %s",
				vaultledger.ErrAlreadyLocked, vaultID, persisted.OperationID)
		}

		m.reclaimLocked(ctx, persisted)
	}

	op := &PendingOperation{
		OperationID: info.OperationID,
		Type:        info.Type,
		VaultID:     vaultID,
		Amount:      info.Amount,
		Status:      StatusInProgress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		CreatedBy:   info.CreatedBy,
	}

	if err := m.store.Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("persist lease: %w", err)
	}

	m.held[vaultID] = op

	return &Lease{
		Operation: *op,
		release: func(ctx context.Context, success bool) error {
			return m.release(ctx, op, success)
		},
	}, nil
}

// AcquirePair implements Locker.
func (m *Manager) AcquirePair(ctx context.Context, first, second uuid.UUID, info OperationInfo) (*Lease, *Lease, error) {
	a, b := CanonicalOrder(first, second)

	leaseA, err := m.Acquire(ctx, a, info)
	if err != nil {
		return nil, nil, err
	}

	secondInfo := info
	secondInfo.OperationID = uuid.New()

	leaseB, err := m.Acquire(ctx, b, secondInfo)
	if err != nil {
		if releaseErr := leaseA.Release(ctx, false); releaseErr != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to release first lease of pair",
				log.String("vault_id", a.String()), log.Err(releaseErr))
		}

		return nil, nil, err
	}

	return leaseA, leaseB, nil
}

// CanonicalOrder returns the two vault ids sorted lexicographically. All
// multi-vault acquisitions must lock in this order.
func CanonicalOrder(first, second uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(first.String(), second.String()) <= 0 {
		return first, second
	}

	return second, first
}

func (m *Manager) release(ctx context.Context, op *PendingOperation, success bool) error {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	m.mu.Lock()
	current, ok := m.held[op.VaultID]
	stillHeld := ok && current.OperationID == op.OperationID

	if stillHeld {
		delete(m.held, op.VaultID)
	}
	m.mu.Unlock()

	if err := m.store.Finish(ctx, op.OperationID, status); err != nil {
		return fmt.Errorf("finish lease: %w", err)
	}

	if !stillHeld {
		// The lease expired and was reclaimed while the holder was working.
		// The holder must treat this as a conflict and re-validate via the
		// vault version check before committing anything further.
		return fmt.Errorf("%w: operation %s", vaultledger.ErrLeaseExpired, op.OperationID)
	}

	return nil
}

// reclaimLocked marks an expired lease failed. Caller holds m.mu.
func (m *Manager) reclaimLocked(ctx context.Context, op *PendingOperation) {
	if err := m.store.Finish(ctx, op.OperationID, StatusFailed); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to mark expired lease failed",
			log.String("operation_id", op.OperationID.String()), log.Err(err))
	}

	delete(m.held, op.VaultID)

	m.logger.Log(ctx, log.LevelInfo, "reclaimed expired lease",
		log.String("vault_id", op.VaultID.String()),
		log.String("operation_id", op.OperationID.String()))
}
