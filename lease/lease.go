// Package lease implements the operation lock manager: at most one in-flight
// mutating operation per vault, enforced through time-bounded leases that a
// crashed worker cannot hold forever.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a lease protects a vault before a subsequent
// acquirer may reclaim it.
const DefaultTTL = 5 * time.Minute

// Status is the lifecycle state of a pending operation.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNilStore is returned when a manager is constructed without a store.
	ErrNilStore = errors.New("lease store is nil")
	// ErrAmountNotPositive is returned when a lease is requested for a
	// non-positive amount.
	ErrAmountNotPositive = errors.New("operation amount must be positive")
	// ErrLeaseNotHeld is returned when releasing a lease that was already
	// reclaimed or released.
	ErrLeaseNotHeld = errors.New("lease was not held or already released")
)

// PendingOperation is the persisted lease record. Its presence (unexpired,
// in_progress) is the concurrency gate for the vault it references.
type PendingOperation struct {
	OperationID uuid.UUID
	Type        string
	VaultID     uuid.UUID
	Amount      int64
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedBy   string
}

// Expired reports whether the lease lapsed at the given instant.
func (op *PendingOperation) Expired(now time.Time) bool {
	return !now.Before(op.ExpiresAt)
}

// OperationInfo describes the operation requesting a lease.
type OperationInfo struct {
	OperationID uuid.UUID
	Type        string
	Amount      int64
	CreatedBy   string
}

// Lease is a held exclusive claim on a vault. Release it exactly once.
type Lease struct {
	Operation PendingOperation

	release func(ctx context.Context, success bool) error
}

// VaultID returns the vault the lease protects.
func (l *Lease) VaultID() uuid.UUID {
	return l.Operation.VaultID
}

// Release marks the operation completed or failed and frees the vault.
func (l *Lease) Release(ctx context.Context, success bool) error {
	if l == nil || l.release == nil {
		return ErrLeaseNotHeld
	}

	releaseFn := l.release
	l.release = nil

	return releaseFn(ctx, success)
}

// Store persists lease rows so leases survive process crashes. Insert must be
// atomic with respect to the single-active-lease-per-vault rule.
type Store interface {
	// Insert persists an in_progress lease row. It fails when an unexpired
	// in_progress row already exists for the vault.
	Insert(ctx context.Context, op *PendingOperation) error

	// ActiveForVault returns the in_progress lease for the vault, or nil.
	ActiveForVault(ctx context.Context, vaultID uuid.UUID) (*PendingOperation, error)

	// Finish transitions an operation out of in_progress.
	Finish(ctx context.Context, operationID uuid.UUID, status Status) error

	// SweepExpired marks every expired in_progress row failed and returns the
	// number of rows reclaimed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
