// Package vault implements the balance store: the Vault model, its core
// invariant, and the version-checked mutation path every operation funnels
// through.
package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

// Vault is the bookkeeping entity holding a single owner's collateral
// balances. Balances are non-negative integers in the smallest token unit.
//
// Invariant: TotalBalance == LockedBalance + AvailableBalance, checked
// atomically on every write. Version increments on every mutation and backs
// the optimistic concurrency check layered under the lease manager.
type Vault struct {
	ID                  uuid.UUID
	OwnerKey            string
	VaultAddress        string
	TokenAccountAddress string
	TotalBalance        int64
	LockedBalance       int64
	AvailableBalance    int64
	IsActive            bool
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastActivityAt      time.Time
}

// Delta describes a balance mutation as signed adjustments to the three
// balance fields. A consistent delta satisfies Total == Locked + Available.
type Delta struct {
	Total     int64
	Locked    int64
	Available int64
}

// Consistent reports whether applying the delta can preserve the vault
// invariant.
func (d Delta) Consistent() bool {
	return d.Total == d.Locked+d.Available
}

// CheckInvariant validates the balance invariant and non-negativity.
func (v *Vault) CheckInvariant() error {
	if v.TotalBalance < 0 || v.LockedBalance < 0 || v.AvailableBalance < 0 {
		return fmt.Errorf("%w: negative balance (total=%d locked=%d available=%d)",
			vaultledger.ErrInvariantViolation, v.TotalBalance, v.LockedBalance, v.AvailableBalance)
	}

	if v.TotalBalance != v.LockedBalance+v.AvailableBalance {
		return fmt.Errorf("%w: total=%d != locked=%d + available=%d",
			vaultledger.ErrInvariantViolation, v.TotalBalance, v.LockedBalance, v.AvailableBalance)
	}

	return nil
}

// Clone returns a copy of the vault safe to hand to callers.
func (v *Vault) Clone() *Vault {
	clone := *v

	return &clone
}

// New creates an active empty vault for the given identities.
func New(ownerKey, vaultAddress, tokenAccountAddress string) *Vault {
	now := time.Now().UTC()

	return &Vault{
		ID:                  uuid.New(),
		OwnerKey:            ownerKey,
		VaultAddress:        vaultAddress,
		TokenAccountAddress: tokenAccountAddress,
		IsActive:            true,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
		LastActivityAt:      now,
	}
}

// Stats aggregates system-wide balance figures across active vaults.
type Stats struct {
	VaultCount       int64
	TotalValueLocked int64
	TotalLocked      int64
	TotalAvailable   int64
}
