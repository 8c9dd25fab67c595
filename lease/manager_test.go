//go:build unit

package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
)

func testInfo(amount int64) OperationInfo {
	return OperationInfo{
		Type:      "lock",
		Amount:    amount,
		CreatedBy: "tester",
	}
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	manager, err := NewManager(store, time.Minute, nil)
	require.NoError(t, err)

	vaultID := uuid.New()

	lease, err := manager.Acquire(t.Context(), vaultID, testInfo(100))
	require.NoError(t, err)
	assert.Equal(t, vaultID, lease.VaultID())

	// second acquisition is blocked while the lease is live
	_, err = manager.Acquire(t.Context(), vaultID, testInfo(50))
	require.ErrorIs(t, err, vaultledger.ErrAlreadyLocked)

	require.NoError(t, lease.Release(t.Context(), true))

	persisted, err := store.ActiveForVault(t.Context(), vaultID)
	require.NoError(t, err)
	assert.Nil(t, persisted)

	// vault is free again
	second, err := manager.Acquire(t.Context(), vaultID, testInfo(50))
	require.NoError(t, err)
	require.NoError(t, second.Release(t.Context(), false))
}

func TestAcquireRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(NewMemoryStore(), time.Minute, nil)
	require.NoError(t, err)

	_, err = manager.Acquire(t.Context(), uuid.New(), testInfo(0))
	require.ErrorIs(t, err, ErrAmountNotPositive)

	_, err = manager.Acquire(t.Context(), uuid.New(), testInfo(-5))
	require.ErrorIs(t, err, ErrAmountNotPositive)
}

func TestReleaseTwice(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(NewMemoryStore(), time.Minute, nil)
	require.NoError(t, err)

	lease, err := manager.Acquire(t.Context(), uuid.New(), testInfo(10))
	require.NoError(t, err)

	require.NoError(t, lease.Release(t.Context(), true))
	require.ErrorIs(t, lease.Release(t.Context(), true), ErrLeaseNotHeld)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	manager, err := NewManager(store, 20*time.Millisecond, nil)
	require.NoError(t, err)

	vaultID := uuid.New()

	stale, err := manager.Acquire(t.Context(), vaultID, testInfo(100))
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	// a new acquirer reclaims the expired lease transparently
	fresh, err := manager.Acquire(t.Context(), vaultID, testInfo(200))
	require.NoError(t, err)

	// the late release of the stale lease reports expiry so the holder
	// knows its claim was lost mid-flight
	require.ErrorIs(t, stale.Release(t.Context(), true), vaultledger.ErrLeaseExpired)

	require.NoError(t, fresh.Release(t.Context(), true))
}

func TestAcquireSeesPersistedLeaseFromPreviousProcess(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	// simulate a lease row left by a crashed predecessor
	predecessor := &PendingOperation{
		OperationID: uuid.New(),
		Type:        "withdraw",
		VaultID:     uuid.New(),
		Amount:      500,
		Status:      StatusInProgress,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, store.Insert(t.Context(), predecessor))

	manager, err := NewManager(store, time.Minute, nil)
	require.NoError(t, err)

	_, err = manager.Acquire(t.Context(), predecessor.VaultID, testInfo(100))
	require.ErrorIs(t, err, vaultledger.ErrAlreadyLocked)
}

func TestCanonicalOrder(t *testing.T) {
	t.Parallel()

	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	gotA, gotB := CanonicalOrder(a, b)
	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)

	gotA, gotB = CanonicalOrder(b, a)
	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)
}

func TestAcquirePairReleasesFirstOnSecondFailure(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	manager, err := NewManager(store, time.Minute, nil)
	require.NoError(t, err)

	first := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	second := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	// hold the second vault so the pair acquisition fails halfway
	blocker, err := manager.Acquire(t.Context(), second, testInfo(1))
	require.NoError(t, err)

	_, _, err = manager.AcquirePair(t.Context(), first, second, testInfo(100))
	require.ErrorIs(t, err, vaultledger.ErrAlreadyLocked)

	// the first vault must have been rolled back
	lease, err := manager.Acquire(t.Context(), first, testInfo(100))
	require.NoError(t, err)

	require.NoError(t, lease.Release(t.Context(), true))
	require.NoError(t, blocker.Release(t.Context(), true))
}

func TestAcquirePairOppositeDirectionsNoDeadlock(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(NewMemoryStore(), time.Minute, nil)
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()

	var wg sync.WaitGroup

	// opposite-direction transfers must not deadlock: both goroutines lock
	// in canonical order, so one wins and the other observes ErrAlreadyLocked
	for i := range 2 {
		wg.Add(1)

		go func(flip bool) {
			defer wg.Done()

			a, b := first, second
			if flip {
				a, b = second, first
			}

			leaseA, leaseB, err := manager.AcquirePair(t.Context(), a, b, testInfo(10))
			if err != nil {
				assert.ErrorIs(t, err, vaultledger.ErrAlreadyLocked)

				return
			}

			assert.NoError(t, leaseA.Release(t.Context(), true))
			assert.NoError(t, leaseB.Release(t.Context(), true))
		}(i == 1)
	}

	wg.Wait()
}

func TestSweeperReclaimsExpired(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	expired := &PendingOperation{
		OperationID: uuid.New(),
		Type:        "deposit",
		VaultID:     uuid.New(),
		Amount:      100,
		Status:      StatusInProgress,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.Insert(t.Context(), expired))

	live := &PendingOperation{
		OperationID: uuid.New(),
		Type:        "deposit",
		VaultID:     uuid.New(),
		Amount:      100,
		Status:      StatusInProgress,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.Insert(t.Context(), live))

	sweeper, err := NewSweeper(store, time.Second, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sweeper.SweepOnce(t.Context()))
	assert.Equal(t, 0, sweeper.SweepOnce(t.Context()))

	stillLive, err := store.ActiveForVault(t.Context(), live.VaultID)
	require.NoError(t, err)
	require.NotNil(t, stillLive)
}
