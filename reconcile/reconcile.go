// Package reconcile implements the periodic cross-check of local vault
// balances against the external authority. Each cycle produces immutable
// snapshots; mismatches are flagged and alerted, never auto-corrected,
// since a single discrepancy can as easily be an attack as a bug.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Discrepancy severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var (
	// ErrNilVaultStore is returned when a reconciler is constructed without a vault store.
	ErrNilVaultStore = errors.New("vault store is nil")
	// ErrNilReader is returned when a reconciler is constructed without a ledger reader.
	ErrNilReader = errors.New("ledger reader is nil")
	// ErrNilSnapshotStore is returned when a reconciler is constructed without a snapshot store.
	ErrNilSnapshotStore = errors.New("snapshot store is nil")
	// ErrHalted is returned when reconciliation is refused after an audit
	// chain verification failure.
	ErrHalted = errors.New("reconciliation halted: audit chain verification failed")
)

// ExternalRef points at the authority state a snapshot was taken against.
type ExternalRef struct {
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Signature string    `json:"signature,omitempty"`
}

// LedgerReader reads the authoritative balance for a vault address. The
// production implementation talks to the external chain; tests inject fakes.
type LedgerReader interface {
	AuthoritativeBalance(ctx context.Context, vaultAddress string) (int64, ExternalRef, error)
}

// Discrepancy is one observed difference between local and authoritative
// state, or a local invariant breach found during the sweep.
type Discrepancy struct {
	Field    string `json:"field"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

// Snapshot is an immutable point-in-time copy of a vault's balances plus
// the external reference it was compared against.
type Snapshot struct {
	ID               uuid.UUID       `json:"id"`
	VaultID          uuid.UUID       `json:"vault_id"`
	TotalBalance     int64           `json:"total_balance"`
	LockedBalance    int64           `json:"locked_balance"`
	AvailableBalance int64           `json:"available_balance"`
	External         ExternalRef     `json:"external"`
	IsConsistent     bool            `json:"is_consistent"`
	Discrepancies    []Discrepancy   `json:"discrepancies,omitempty"`
	DriftPercent     decimal.Decimal `json:"drift_percent"`
	CreatedAt        time.Time       `json:"created_at"`
}

// SnapshotStore persists reconciliation snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Latest(ctx context.Context, vaultID uuid.UUID) (*Snapshot, error)
	ListForVault(ctx context.Context, vaultID uuid.UUID, limit int) ([]*Snapshot, error)

	// CountInconsistent counts vaults whose latest snapshot is inconsistent.
	CountInconsistent(ctx context.Context) (int64, error)
}

// Alert is an operator-facing reconciliation finding.
type Alert struct {
	VaultID       uuid.UUID
	SnapshotID    uuid.UUID
	Discrepancies []Discrepancy
	External      ExternalRef
	RaisedAt      time.Time
}

// AlertFunc receives mismatch alerts. It must not block; slow consumers
// should buffer on their side.
type AlertFunc func(ctx context.Context, alert Alert)
