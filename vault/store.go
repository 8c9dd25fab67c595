package vault

import (
	"context"

	"github.com/google/uuid"
)

// MutationHook runs inside the atomic unit of an ApplyMutation, after the
// balance update and before it commits. A non-nil error aborts the mutation.
// Hooks let callers attach writes (such as audit entries) that must land
// together with the balance change or not at all.
type MutationHook func(ctx context.Context, updated *Vault) error

// Store is the balance store contract. Implementations must apply mutations
// atomically: either the full delta lands together with the version bump, or
// nothing changes.
type Store interface {
	// Create persists a new vault. The vault address must be unique.
	Create(ctx context.Context, v *Vault) error

	// Get returns the vault by id, or vaultledger.ErrVaultNotFound.
	Get(ctx context.Context, vaultID uuid.UUID) (*Vault, error)

	// GetByOwner returns the earliest-created vault for an owner key.
	GetByOwner(ctx context.Context, ownerKey string) (*Vault, error)

	// ApplyMutation applies the delta when expectedVersion matches the current
	// version, enforcing the balance invariant before and after. Hooks run
	// inside the same atomic unit; a hook error aborts the mutation. On success
	// the version increments and the updated vault is returned. Failures leave
	// the stored vault untouched and return one of: ErrVaultNotFound,
	// ErrVaultInactive, ErrVersionConflict, ErrOverflow, ErrInsufficientFunds,
	// ErrInvariantViolation, or the hook's error.
	ApplyMutation(ctx context.Context, vaultID uuid.UUID, delta Delta, expectedVersion int64, hooks ...MutationHook) (*Vault, error)

	// ListActive returns active vaults, paged by limit/offset.
	ListActive(ctx context.Context, limit, offset int) ([]*Vault, error)

	// Deactivate flags a vault as inactive (emergency shutdown). Balances are
	// preserved; further mutations are rejected with ErrVaultInactive.
	Deactivate(ctx context.Context, vaultID uuid.UUID) (*Vault, error)

	// Stats aggregates balances across active vaults.
	Stats(ctx context.Context) (Stats, error)
}
