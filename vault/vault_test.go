//go:build unit

package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
)

func newTestVault(t *testing.T, store *MemoryStore, total int64) *Vault {
	t.Helper()

	v := New("owner-"+fmt.Sprint(total), "addr-"+fmt.Sprint(total), "token-addr")
	require.NoError(t, store.Create(t.Context(), v))

	if total > 0 {
		updated, err := store.ApplyMutation(t.Context(), v.ID,
			Delta{Total: total, Available: total}, 1)
		require.NoError(t, err)

		return updated
	}

	return v
}

func TestCheckInvariant(t *testing.T) {
	t.Parallel()

	v := New("owner", "addr", "token")
	require.NoError(t, v.CheckInvariant())

	v.TotalBalance = 100
	v.LockedBalance = 40
	v.AvailableBalance = 60
	require.NoError(t, v.CheckInvariant())

	v.AvailableBalance = 50
	require.ErrorIs(t, v.CheckInvariant(), vaultledger.ErrInvariantViolation)

	v.AvailableBalance = 60
	v.LockedBalance = -1
	require.ErrorIs(t, v.CheckInvariant(), vaultledger.ErrInvariantViolation)
}

func TestDeltaConsistent(t *testing.T) {
	t.Parallel()

	assert.True(t, Delta{Total: 100, Locked: 0, Available: 100}.Consistent())
	assert.True(t, Delta{Total: 0, Locked: 50, Available: -50}.Consistent())
	assert.False(t, Delta{Total: 100, Locked: 0, Available: 50}.Consistent())
}

func TestApplyMutation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	v := newTestVault(t, store, 1000)

	t.Run("lock moves available to locked", func(t *testing.T) {
		updated, err := store.ApplyMutation(t.Context(), v.ID,
			Delta{Total: 0, Locked: 400, Available: -400}, v.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), updated.TotalBalance)
		assert.Equal(t, int64(400), updated.LockedBalance)
		assert.Equal(t, int64(600), updated.AvailableBalance)
		assert.Equal(t, v.Version+1, updated.Version)
	})

	t.Run("stale version rejected", func(t *testing.T) {
		_, err := store.ApplyMutation(t.Context(), v.ID,
			Delta{Total: 100, Available: 100}, v.Version)
		require.ErrorIs(t, err, vaultledger.ErrVersionConflict)
	})

	t.Run("unknown vault", func(t *testing.T) {
		_, err := store.ApplyMutation(t.Context(), New("x", "y", "z").ID,
			Delta{Total: 1, Available: 1}, 1)
		require.ErrorIs(t, err, vaultledger.ErrVaultNotFound)
	})
}

func TestApplyMutationHooks(t *testing.T) {
	t.Parallel()

	t.Run("hook sees the post-mutation vault", func(t *testing.T) {
		store := NewMemoryStore()
		v := newTestVault(t, store, 500)

		var seen *Vault

		_, err := store.ApplyMutation(t.Context(), v.ID,
			Delta{Total: 100, Available: 100}, v.Version,
			func(_ context.Context, updated *Vault) error {
				seen = updated

				return nil
			})
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, int64(600), seen.TotalBalance)
		assert.Equal(t, v.Version+1, seen.Version)
	})

	t.Run("hook failure aborts the mutation", func(t *testing.T) {
		store := NewMemoryStore()
		v := newTestVault(t, store, 500)

		hookErr := errors.New("attached write failed")

		_, err := store.ApplyMutation(t.Context(), v.ID,
			Delta{Total: -100, Available: -100}, v.Version,
			func(context.Context, *Vault) error { return hookErr })
		require.ErrorIs(t, err, hookErr)

		stored, err := store.Get(t.Context(), v.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), stored.TotalBalance)
		assert.Equal(t, v.Version, stored.Version)
	})
}

func TestGetByOwnerReturnsEarliestCreated(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	first := New("shared-owner", "addr-first", "token")
	require.NoError(t, store.Create(t.Context(), first))

	second := New("shared-owner", "addr-second", "token")
	require.NoError(t, store.Create(t.Context(), second))

	got, err := store.GetByOwner(t.Context(), "shared-owner")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// The second vault stays addressable by id.
	other, err := store.Get(t.Context(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, other.ID)

	_, err = store.GetByOwner(t.Context(), "nobody")
	require.ErrorIs(t, err, vaultledger.ErrVaultNotFound)
}

func TestApplyMutationFailuresLeaveVaultUntouched(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	v := newTestVault(t, store, 500)

	_, err := store.ApplyMutation(t.Context(), v.ID,
		Delta{Total: -700, Available: -700}, v.Version)
	require.ErrorIs(t, err, vaultledger.ErrInsufficientFunds)

	_, err = store.ApplyMutation(t.Context(), v.ID,
		Delta{Total: 10, Available: 5}, v.Version)
	require.ErrorIs(t, err, vaultledger.ErrInvariantViolation)

	stored, err := store.Get(t.Context(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stored.TotalBalance)
	assert.Equal(t, v.Version, stored.Version)
}

func TestDeactivateBlocksMutations(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	v := newTestVault(t, store, 300)

	deactivated, err := store.Deactivate(t.Context(), v.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.Equal(t, int64(300), deactivated.TotalBalance)

	_, err = store.ApplyMutation(t.Context(), v.ID,
		Delta{Total: 100, Available: 100}, deactivated.Version)
	require.ErrorIs(t, err, vaultledger.ErrVaultInactive)
}

func TestListActivePaging(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	for i := range 5 {
		newTestVault(t, store, int64(100*(i+1)))
	}

	page, err := store.ListActive(t.Context(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := store.ListActive(t.Context(), 0, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	none, err := store.ListActive(t.Context(), 10, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatsSkipsInactive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	a := newTestVault(t, store, 1000)
	newTestVault(t, store, 250)

	_, err := store.Deactivate(t.Context(), a.ID)
	require.NoError(t, err)

	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.VaultCount)
	assert.Equal(t, int64(250), stats.TotalValueLocked)
}

func TestConcurrentMutationsPreserveInvariant(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	v := newTestVault(t, store, 10_000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)

	// Every goroutine retries with the fresh version until its lock of 100
	// either lands or the funds run out.
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				current, err := store.Get(t.Context(), v.ID)
				if !assert.NoError(t, err) {
					return
				}

				_, err = store.ApplyMutation(t.Context(), v.ID,
					Delta{Total: 0, Locked: 100, Available: -100}, current.Version)
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()

					return
				}

				if !assert.ErrorIs(t, err, vaultledger.ErrVersionConflict) {
					return
				}
			}
		}()
	}

	wg.Wait()

	final, err := store.Get(t.Context(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, applied)
	assert.Equal(t, int64(5000), final.LockedBalance)
	assert.Equal(t, int64(5000), final.AvailableBalance)
	require.NoError(t, final.CheckInvariant())
}
