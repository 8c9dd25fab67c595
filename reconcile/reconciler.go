package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/audit"
	"github.com/coralledger/vault-ledger/log"
	"github.com/coralledger/vault-ledger/safe"
	"github.com/coralledger/vault-ledger/vault"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultPageSize  = 100
	defaultVerifyLag = 10 // cycles between full audit chain verifications
)

// Result aggregates one reconciliation cycle.
type Result struct {
	VaultsChecked int
	Consistent    int
	Mismatched    int
	Errors        int
}

// Reconciler walks active vaults on an interval, compares local balances
// against the authority, and records snapshots. It runs as an App under
// the Launcher.
//
// A failed audit chain verification halts further cycles. Trust in local
// history is gone at that point, so comparing it against the authority
// proves nothing; an operator must investigate and clear the halt.
type Reconciler struct {
	vaults    vault.Store
	reader    LedgerReader
	snapshots SnapshotStore
	auditLog  audit.Store
	alert     AlertFunc
	logger    log.Logger
	interval  time.Duration
	now       func() time.Time

	haltMu sync.Mutex
	halted bool

	cycles int

	stop     chan struct{}
	stopOnce sync.Once
}

var _ vaultledger.App = (*Reconciler)(nil)

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithInterval overrides the cycle interval.
func WithInterval(interval time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithAuditStore enables periodic audit chain verification before cycles.
func WithAuditStore(store audit.Store) ReconcilerOption {
	return func(r *Reconciler) {
		r.auditLog = store
	}
}

// WithAlertFunc sets the mismatch alert sink.
func WithAlertFunc(alert AlertFunc) ReconcilerOption {
	return func(r *Reconciler) {
		r.alert = alert
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates a reconciler over the given stores.
func NewReconciler(vaults vault.Store, reader LedgerReader, snapshots SnapshotStore, logger log.Logger, opts ...ReconcilerOption) (*Reconciler, error) {
	if vaults == nil {
		return nil, ErrNilVaultStore
	}

	if reader == nil {
		return nil, ErrNilReader
	}

	if snapshots == nil {
		return nil, ErrNilSnapshotStore
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	reconciler := &Reconciler{
		vaults:    vaults,
		reader:    reader,
		snapshots: snapshots,
		logger:    logger,
		interval:  defaultInterval,
		now:       func() time.Time { return time.Now().UTC() },
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(reconciler)
		}
	}

	return reconciler, nil
}

// Run starts the reconciliation loop until Stop is called.
func (r *Reconciler) Run(_ *vaultledger.Launcher) error {
	ctx := context.Background()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Log(ctx, log.LevelInfo, "reconciler started",
		log.Duration("interval", r.interval))

	for {
		select {
		case <-r.stop:
			r.logger.Log(ctx, log.LevelInfo, "reconciler stopped")

			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Log(ctx, log.LevelError, "reconcile cycle failed", log.Err(err))
			}
		}
	}
}

// Stop signals the reconciliation loop to stop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Halted reports whether reconciliation is refusing cycles.
func (r *Reconciler) Halted() bool {
	r.haltMu.Lock()
	defer r.haltMu.Unlock()

	return r.halted
}

// ClearHalt re-enables cycles after manual investigation.
func (r *Reconciler) ClearHalt() {
	r.haltMu.Lock()
	defer r.haltMu.Unlock()

	r.halted = false
}

// ReconcileOnce runs one full cycle over all active vaults.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Result, error) {
	if r.Halted() {
		return Result{}, ErrHalted
	}

	if err := r.verifyAuditChain(ctx); err != nil {
		return Result{}, err
	}

	var result Result

	offset := 0

	for {
		vaults, err := r.vaults.ListActive(ctx, defaultPageSize, offset)
		if err != nil {
			return result, fmt.Errorf("list active vaults: %w", err)
		}

		if len(vaults) == 0 {
			break
		}

		for _, v := range vaults {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			result.VaultsChecked++

			snapshot, err := r.reconcileVault(ctx, v)
			if err != nil {
				result.Errors++

				r.logger.Log(ctx, log.LevelError, "vault reconciliation failed",
					log.String("vault_id", v.ID.String()), log.Err(err))

				continue
			}

			if snapshot.IsConsistent {
				result.Consistent++
			} else {
				result.Mismatched++
			}
		}

		offset += len(vaults)
	}

	r.cycles++

	r.logger.Log(ctx, log.LevelInfo, "reconcile cycle complete",
		log.Int("checked", result.VaultsChecked),
		log.Int("mismatched", result.Mismatched),
		log.Int("errors", result.Errors))

	return result, nil
}

// verifyAuditChain runs a full chain verification every defaultVerifyLag
// cycles, and always on the first cycle. A broken chain halts the engine.
func (r *Reconciler) verifyAuditChain(ctx context.Context) error {
	if r.auditLog == nil {
		return nil
	}

	if r.cycles%defaultVerifyLag != 0 {
		return nil
	}

	verification, err := audit.Verify(ctx, r.auditLog, 1, 0)
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}

	if err := audit.RequireValid(verification); err != nil {
		r.haltMu.Lock()
		r.halted = true
		r.haltMu.Unlock()

		r.logger.Log(ctx, log.LevelError, "audit chain broken, halting reconciliation",
			log.Int64("broken_at", verification.BrokenAt))

		return err
	}

	return nil
}

func (r *Reconciler) reconcileVault(ctx context.Context, v *vault.Vault) (*Snapshot, error) {
	authoritative, ref, err := r.reader.AuthoritativeBalance(ctx, v.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("read authoritative balance: %w", err)
	}

	snapshot := &Snapshot{
		ID:               uuid.New(),
		VaultID:          v.ID,
		TotalBalance:     v.TotalBalance,
		LockedBalance:    v.LockedBalance,
		AvailableBalance: v.AvailableBalance,
		External:         ref,
		IsConsistent:     true,
		CreatedAt:        r.now(),
	}

	if err := v.CheckInvariant(); err != nil {
		snapshot.IsConsistent = false
		snapshot.Discrepancies = append(snapshot.Discrepancies, Discrepancy{
			Field:    "locked_plus_available",
			Expected: v.TotalBalance,
			Actual:   v.LockedBalance + v.AvailableBalance,
			Severity: SeverityCritical,
			Detail:   err.Error(),
		})
	}

	if v.TotalBalance != authoritative {
		snapshot.IsConsistent = false
		snapshot.Discrepancies = append(snapshot.Discrepancies, Discrepancy{
			Field:    "total_balance",
			Expected: authoritative,
			Actual:   v.TotalBalance,
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("local total diverges from authority at slot %d", ref.Slot),
		})
	}

	snapshot.DriftPercent = driftPercent(authoritative, v.TotalBalance)

	if err := r.snapshots.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if !snapshot.IsConsistent {
		r.logger.Log(ctx, log.LevelWarn, "reconciliation mismatch",
			log.String("vault_id", v.ID.String()),
			log.String("drift_percent", snapshot.DriftPercent.String()),
			log.Err(vaultledger.ErrReconciliationMismatch))

		if r.alert != nil {
			r.alert(ctx, Alert{
				VaultID:       v.ID,
				SnapshotID:    snapshot.ID,
				Discrepancies: snapshot.Discrepancies,
				External:      ref,
				RaisedAt:      r.now(),
			})
		}
	}

	return snapshot, nil
}

// driftPercent returns |expected-actual| as a percentage of expected.
func driftPercent(expected, actual int64) decimal.Decimal {
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}

	return safe.PercentageOrZero(decimal.NewFromInt(diff), decimal.NewFromInt(expected))
}
