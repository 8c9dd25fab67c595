// Package ledger is the orchestrating service. It threads a submitted
// operation through admission control, idempotency, dependency ordering,
// lease acquisition, the balance mutation, and the audit append, then
// fans out notifications. Transport layers sit on top of this package.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coralledger/vault-ledger/vault"
)

// Type is the operation kind of a transaction record.
type Type string

const (
	TypeInitialize Type = "initialize"
	TypeDeposit    Type = "deposit"
	TypeWithdraw   Type = "withdraw"
	TypeLock       Type = "lock"
	TypeUnlock     Type = "unlock"
	TypeTransfer   Type = "transfer"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeInitialize, TypeDeposit, TypeWithdraw, TypeLock, TypeUnlock, TypeTransfer:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a transaction record. Transitions run
// forward exactly once: pending to one of the terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

const (
	// MinPriority and MaxPriority bound the transaction priority range.
	MinPriority = 1
	MaxPriority = 10

	// DefaultPriority applies when a submission leaves priority unset.
	DefaultPriority = 5
)

var (
	// ErrInvalidType is returned for unknown operation types.
	ErrInvalidType = errors.New("invalid transaction type")
	// ErrInvalidAmount is returned for non-positive operation amounts.
	ErrInvalidAmount = errors.New("operation amount must be positive")
	// ErrInvalidPriority is returned for priorities outside 1..10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
	// ErrEmptyIdempotencyKey is returned when a submission carries no key.
	ErrEmptyIdempotencyKey = errors.New("idempotency key is required")
	// ErrMissingDestination is returned for transfers without a destination.
	ErrMissingDestination = errors.New("transfer requires a destination vault")
	// ErrSelfTransfer is returned for transfers targeting the source vault.
	ErrSelfTransfer = errors.New("transfer source and destination are the same vault")
	// ErrTransactionNotFound is returned when a record does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrStatusFinal is returned for transitions out of a terminal status.
	ErrStatusFinal = errors.New("transaction status is terminal")
	// ErrSubmissionInProgress is returned when the original submission under
	// an idempotency key has not completed yet.
	ErrSubmissionInProgress = errors.New("original submission still in progress")
	// ErrInitializeViaSubmit is returned when initialize is submitted as an
	// operation; vault creation goes through InitializeVault.
	ErrInitializeViaSubmit = errors.New("initialize is not a submittable operation")
)

// ExternalProof is the authority's confirmation attached to a record once
// the on-chain write lands.
type ExternalProof struct {
	Signature string     `json:"signature,omitempty"`
	Slot      uint64     `json:"slot,omitempty"`
	BlockTime *time.Time `json:"block_time,omitempty"`
}

// TransactionRecord is the immutable history row for one submitted
// operation. Records are never deleted, only superseded by new ones.
type TransactionRecord struct {
	ID                 uuid.UUID         `json:"id"`
	VaultID            uuid.UUID         `json:"vault_id"`
	Type               Type              `json:"type"`
	Amount             int64             `json:"amount"`
	Status             Status            `json:"status"`
	Proof              ExternalProof     `json:"proof,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key,omitempty"`
	SourceVaultID      uuid.UUID         `json:"source_vault_id,omitempty"`
	DestinationVaultID uuid.UUID         `json:"destination_vault_id,omitempty"`
	Priority           int               `json:"priority"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (r *TransactionRecord) Clone() *TransactionRecord {
	clone := *r

	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// deltaFor maps an operation to its balance delta. Amount is the positive
// magnitude from the submission; the record's signed Amount is derived here
// too (withdrawals carry a negative amount).
func deltaFor(opType Type, amount int64) (vault.Delta, int64, error) {
	switch opType {
	case TypeDeposit:
		return vault.Delta{Total: amount, Available: amount}, amount, nil
	case TypeWithdraw:
		return vault.Delta{Total: -amount, Available: -amount}, -amount, nil
	case TypeLock:
		return vault.Delta{Locked: amount, Available: -amount}, amount, nil
	case TypeUnlock:
		return vault.Delta{Locked: -amount, Available: amount}, amount, nil
	case TypeTransfer:
		// Applied as a withdraw on the source and a deposit on the
		// destination under a pair lease.
		return vault.Delta{}, amount, nil
	default:
		return vault.Delta{}, 0, fmt.Errorf("%w: %q", ErrInvalidType, opType)
	}
}

// TransactionStore persists transaction records.
type TransactionStore interface {
	// Create persists a new pending record.
	Create(ctx context.Context, record *TransactionRecord) error

	// Get returns the record by id, or ErrTransactionNotFound.
	Get(ctx context.Context, id uuid.UUID) (*TransactionRecord, error)

	// Transition moves the record from pending to a terminal status,
	// attaching proof or a failure reason. A terminal record returns
	// ErrStatusFinal.
	Transition(ctx context.Context, id uuid.UUID, to Status, proof ExternalProof, reason string) (*TransactionRecord, error)

	// ListByVault returns records referencing the vault, newest first.
	ListByVault(ctx context.Context, vaultID uuid.UUID, limit int) ([]*TransactionRecord, error)

	// CountByStatus counts records in the given status.
	CountByStatus(ctx context.Context, status Status) (int64, error)
}
