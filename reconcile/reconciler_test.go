//go:build unit

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/audit"
	"github.com/coralledger/vault-ledger/vault"
)

type fakeReader struct {
	balances map[string]int64
	err      error
	slot     uint64
}

func (r *fakeReader) AuthoritativeBalance(_ context.Context, vaultAddress string) (int64, ExternalRef, error) {
	if r.err != nil {
		return 0, ExternalRef{}, r.err
	}

	balance, ok := r.balances[vaultAddress]
	if !ok {
		return 0, ExternalRef{}, errors.New("unknown vault address")
	}

	return balance, ExternalRef{Slot: r.slot, BlockTime: time.Now().UTC()}, nil
}

func seedVault(t *testing.T, store vault.Store, address string, total, locked int64) *vault.Vault {
	t.Helper()

	ctx := context.Background()

	v := vault.New("owner-"+address, address, "token-"+address)
	require.NoError(t, store.Create(ctx, v))

	if total > 0 {
		_, err := store.ApplyMutation(ctx, v.ID, vault.Delta{Total: total, Available: total}, 1)
		require.NoError(t, err)
	}

	if locked > 0 {
		_, err := store.ApplyMutation(ctx, v.ID, vault.Delta{Locked: locked, Available: -locked}, 2)
		require.NoError(t, err)
	}

	updated, err := store.Get(ctx, v.ID)
	require.NoError(t, err)

	return updated
}

func TestNewReconcilerValidation(t *testing.T) {
	t.Parallel()

	vaults := vault.NewMemoryStore()
	reader := &fakeReader{}
	snapshots := NewMemorySnapshotStore()

	_, err := NewReconciler(nil, reader, snapshots, nil)
	require.ErrorIs(t, err, ErrNilVaultStore)

	_, err = NewReconciler(vaults, nil, snapshots, nil)
	require.ErrorIs(t, err, ErrNilReader)

	_, err = NewReconciler(vaults, reader, nil, nil)
	require.ErrorIs(t, err, ErrNilSnapshotStore)
}

func TestReconcileOnceConsistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vaults := vault.NewMemoryStore()
	snapshots := NewMemorySnapshotStore()

	v := seedVault(t, vaults, "vault-1", 1000, 400)
	reader := &fakeReader{balances: map[string]int64{"vault-1": 1000}, slot: 42}

	reconciler, err := NewReconciler(vaults, reader, snapshots, nil)
	require.NoError(t, err)

	result, err := reconciler.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{VaultsChecked: 1, Consistent: 1}, result)

	snapshot, err := snapshots.Latest(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.True(t, snapshot.IsConsistent)
	require.Empty(t, snapshot.Discrepancies)
	require.Equal(t, int64(1000), snapshot.TotalBalance)
	require.Equal(t, int64(400), snapshot.LockedBalance)
	require.Equal(t, int64(600), snapshot.AvailableBalance)
	require.Equal(t, uint64(42), snapshot.External.Slot)
	require.True(t, snapshot.DriftPercent.IsZero())
}

func TestReconcileOnceMismatchAlertsNeverCorrects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vaults := vault.NewMemoryStore()
	snapshots := NewMemorySnapshotStore()

	v := seedVault(t, vaults, "vault-1", 700, 0)
	reader := &fakeReader{balances: map[string]int64{"vault-1": 1000}, slot: 7}

	var alerts []Alert

	reconciler, err := NewReconciler(vaults, reader, snapshots, nil,
		WithAlertFunc(func(_ context.Context, alert Alert) {
			alerts = append(alerts, alert)
		}),
	)
	require.NoError(t, err)

	result, err := reconciler.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{VaultsChecked: 1, Mismatched: 1}, result)

	snapshot, err := snapshots.Latest(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, snapshot.IsConsistent)
	require.Len(t, snapshot.Discrepancies, 1)
	require.Equal(t, "total_balance", snapshot.Discrepancies[0].Field)
	require.Equal(t, int64(1000), snapshot.Discrepancies[0].Expected)
	require.Equal(t, int64(700), snapshot.Discrepancies[0].Actual)
	require.Equal(t, SeverityCritical, snapshot.Discrepancies[0].Severity)
	require.Equal(t, "30", snapshot.DriftPercent.String())

	require.Len(t, alerts, 1)
	require.Equal(t, v.ID, alerts[0].VaultID)

	// Local state stays untouched.
	stored, err := vaults.Get(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, int64(700), stored.TotalBalance)
}

func TestReconcileOnceReaderError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vaults := vault.NewMemoryStore()
	snapshots := NewMemorySnapshotStore()

	seedVault(t, vaults, "vault-1", 100, 0)
	reader := &fakeReader{err: errors.New("rpc timeout")}

	reconciler, err := NewReconciler(vaults, reader, snapshots, nil)
	require.NoError(t, err)

	result, err := reconciler.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{VaultsChecked: 1, Errors: 1}, result)
}

func TestReconcileHaltsOnBrokenAuditChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vaults := vault.NewMemoryStore()
	snapshots := NewMemorySnapshotStore()

	seedVault(t, vaults, "vault-1", 100, 0)
	reader := &fakeReader{balances: map[string]int64{"vault-1": 100}}

	auditStore := audit.NewMemoryStore()
	recorder, err := audit.NewRecorder(auditStore)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := recorder.Append(ctx, audit.Draft{
			EventType:     "vault.deposited",
			EventCategory: audit.CategoryBalance,
		})
		require.NoError(t, err)
	}

	require.True(t, auditStore.Tamper(2, func(entry *audit.Entry) {
		entry.EventData = json.RawMessage(`{"amount":999999}`)
	}))

	reconciler, err := NewReconciler(vaults, reader, snapshots, nil,
		WithAuditStore(auditStore))
	require.NoError(t, err)

	_, err = reconciler.ReconcileOnce(ctx)
	require.ErrorIs(t, err, vaultledger.ErrAuditChainBroken)
	require.True(t, reconciler.Halted())

	// Halted engine refuses further cycles until cleared.
	_, err = reconciler.ReconcileOnce(ctx)
	require.ErrorIs(t, err, ErrHalted)

	reconciler.ClearHalt()
	require.False(t, reconciler.Halted())
}

func TestDriftPercent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0", driftPercent(1000, 1000).String())
	require.Equal(t, "30", driftPercent(1000, 700).String())
	require.Equal(t, "30", driftPercent(1000, 1300).String())
	require.Equal(t, "0", driftPercent(0, 0).String())
}
