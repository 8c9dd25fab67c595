package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/safe"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments. The mutation path serializes on a single mutex so the
// version check and balance update form one atomic step.
type MemoryStore struct {
	mu      sync.RWMutex
	vaults  map[uuid.UUID]*Vault
	byOwner map[string][]uuid.UUID
	byVaddr map[string]uuid.UUID
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:  make(map[uuid.UUID]*Vault),
		byOwner: make(map[string][]uuid.UUID),
		byVaddr: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Create(_ context.Context, v *Vault) error {
	if v == nil {
		return errors.New("vault is nil")
	}

	if err := v.CheckInvariant(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vaults[v.ID]; exists {
		return fmt.Errorf("vault %s already exists", v.ID)
	}

	if _, exists := s.byVaddr[v.VaultAddress]; exists {
		return fmt.Errorf("vault address %s already exists", v.VaultAddress)
	}

	s.vaults[v.ID] = v.Clone()
	s.byOwner[v.OwnerKey] = append(s.byOwner[v.OwnerKey], v.ID)
	s.byVaddr[v.VaultAddress] = v.ID

	return nil
}

func (s *MemoryStore) Get(_ context.Context, vaultID uuid.UUID) (*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vaultledger.ErrVaultNotFound, vaultID)
	}

	return v.Clone(), nil
}

// GetByOwner returns the earliest-created vault for the owner key. Insertion
// order stands in for created_at here; the postgres repository orders on the
// column.
func (s *MemoryStore) GetByOwner(_ context.Context, ownerKey string) (*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byOwner[ownerKey]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: owner %s", vaultledger.ErrVaultNotFound, ownerKey)
	}

	return s.vaults[ids[0]].Clone(), nil
}

func (s *MemoryStore) ApplyMutation(ctx context.Context, vaultID uuid.UUID, delta Delta, expectedVersion int64, hooks ...MutationHook) (*Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vaultledger.ErrVaultNotFound, vaultID)
	}

	next, err := mutate(current, delta, expectedVersion)
	if err != nil {
		return nil, err
	}

	// Hooks see the post-mutation vault but run before it commits, so a hook
	// failure leaves the stored vault untouched.
	for _, hook := range hooks {
		if err := hook(ctx, next.Clone()); err != nil {
			return nil, err
		}
	}

	s.vaults[vaultID] = next

	return next.Clone(), nil
}

// mutate computes the post-mutation vault without touching the stored copy.
// Shared by the memory store and tests; the postgres repository expresses the
// same checks in SQL plus this function as a pre-flight.
func mutate(current *Vault, delta Delta, expectedVersion int64) (*Vault, error) {
	if !current.IsActive {
		return nil, fmt.Errorf("%w: %s", vaultledger.ErrVaultInactive, current.ID)
	}

	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, current %d",
			vaultledger.ErrVersionConflict, expectedVersion, current.Version)
	}

	if err := current.CheckInvariant(); err != nil {
		return nil, err
	}

	if !delta.Consistent() {
		return nil, fmt.Errorf("%w: delta total=%d != locked=%d + available=%d",
			vaultledger.ErrInvariantViolation, delta.Total, delta.Locked, delta.Available)
	}

	next := current.Clone()

	var err error

	if next.TotalBalance, err = safe.AddInt64(current.TotalBalance, delta.Total); err != nil {
		return nil, fmt.Errorf("%w: total", vaultledger.ErrOverflow)
	}

	if next.LockedBalance, err = safe.AddInt64(current.LockedBalance, delta.Locked); err != nil {
		return nil, fmt.Errorf("%w: locked", vaultledger.ErrOverflow)
	}

	if next.AvailableBalance, err = safe.AddInt64(current.AvailableBalance, delta.Available); err != nil {
		return nil, fmt.Errorf("%w: available", vaultledger.ErrOverflow)
	}

	if next.AvailableBalance < 0 || next.LockedBalance < 0 || next.TotalBalance < 0 {
		return nil, fmt.Errorf("%w: available=%d required=%d",
			vaultledger.ErrInsufficientFunds, current.AvailableBalance, shortfall(delta))
	}

	if err := next.CheckInvariant(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next.Version++
	next.UpdatedAt = now
	next.LastActivityAt = now

	return next, nil
}

// shortfall reports the magnitude the delta tried to remove, for error text.
func shortfall(delta Delta) int64 {
	required := delta.Available
	if required > 0 {
		required = delta.Locked
	}

	if required < 0 {
		return -required
	}

	return required
}

func (s *MemoryStore) ListActive(_ context.Context, limit, offset int) ([]*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*Vault, 0, len(s.vaults))

	for _, v := range s.vaults {
		if v.IsActive {
			active = append(active, v.Clone())
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	if offset >= len(active) {
		return nil, nil
	}

	active = active[offset:]
	if limit > 0 && limit < len(active) {
		active = active[:limit]
	}

	return active, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, vaultID uuid.UUID) (*Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vaultledger.ErrVaultNotFound, vaultID)
	}

	v.IsActive = false
	v.UpdatedAt = time.Now().UTC()

	return v.Clone(), nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats

	for _, v := range s.vaults {
		if !v.IsActive {
			continue
		}

		stats.VaultCount++
		stats.TotalValueLocked += v.TotalBalance
		stats.TotalLocked += v.LockedBalance
		stats.TotalAvailable += v.AvailableBalance
	}

	return stats, nil
}
