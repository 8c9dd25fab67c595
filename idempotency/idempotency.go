// Package idempotency deduplicates retried submissions: the first use of a
// key proceeds, identical retries replay the stored result, and a key reused
// with different operation content is rejected.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

var (
	// ErrNilStore is returned when an admitter is constructed without a store.
	ErrNilStore = errors.New("idempotency store is nil")
	// ErrEmptyKey is returned when the idempotency key is blank.
	ErrEmptyKey = errors.New("idempotency key is empty")
	// ErrRecordNotFound is returned when finalizing a key that was never admitted.
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// Outcome classifies an admission decision.
type Outcome string

const (
	// OutcomeProceed means the key is fresh and the operation should execute.
	OutcomeProceed Outcome = "proceed"
	// OutcomeInProgress means the original submission has not completed yet.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeReplay means the original completed; its result is attached.
	OutcomeReplay Outcome = "replay"
)

// Admission is the decision for one submission attempt.
type Admission struct {
	Outcome Outcome

	// Result carries the stored transaction id on OutcomeReplay.
	Result uuid.UUID

	// Failed reports whether the replayed original finished unsuccessfully.
	Failed bool

	// FailureReason carries the stored error text for failed replays.
	FailureReason string
}

// Record is the persisted state of one idempotency key within a vault scope.
type Record struct {
	VaultID       uuid.UUID
	Key           string
	Fingerprint   string
	Completed     bool
	Failed        bool
	Result        uuid.UUID
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Store persists idempotency records. CreatePending must be first-writer-wins:
// exactly one concurrent caller creates the record, everyone else observes it.
type Store interface {
	// CreatePending atomically creates a pending record, returning
	// (created=false, existing) when the (vaultID, key) pair already exists.
	CreatePending(ctx context.Context, record *Record) (created bool, existing *Record, err error)

	// Get returns the record for the key, or ErrRecordNotFound.
	Get(ctx context.Context, vaultID uuid.UUID, key string) (*Record, error)

	// Complete finalizes the record with the operation result.
	Complete(ctx context.Context, vaultID uuid.UUID, key string, result uuid.UUID) error

	// Fail finalizes the record with a failure reason. Failed records replay
	// the failure; the caller must use a fresh key to retry the operation.
	Fail(ctx context.Context, vaultID uuid.UUID, key string, reason string) error

	// Purge removes completed records created before the cutoff. Retention is
	// a caller policy decision; the core never purges on its own.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Fingerprint derives the semantic identity of an operation: type, amount,
// and target. Two submissions with equal fingerprints are retries of the same
// operation; the same key with different fingerprints is a conflict.
func Fingerprint(opType string, amount int64, vaultID uuid.UUID, destination uuid.UUID) string {
	payload := fmt.Sprintf("%s|%d|%s|%s", strings.ToLower(opType), amount, vaultID, destination)
	sum := sha256.Sum256([]byte(payload))

	return hex.EncodeToString(sum[:])
}

// Admitter applies the idempotency protocol on top of a Store.
type Admitter struct {
	store Store
}

// NewAdmitter creates an admitter over the given store.
func NewAdmitter(store Store) (*Admitter, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	return &Admitter{store: store}, nil
}

// Admit decides how to treat a submission under the given key. Keys are
// scoped per vault.
func (a *Admitter) Admit(ctx context.Context, vaultID uuid.UUID, key, fingerprint string) (Admission, error) {
	if strings.TrimSpace(key) == "" {
		return Admission{}, ErrEmptyKey
	}

	record := &Record{
		VaultID:     vaultID,
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}

	created, existing, err := a.store.CreatePending(ctx, record)
	if err != nil {
		return Admission{}, fmt.Errorf("create idempotency record: %w", err)
	}

	if created {
		return Admission{Outcome: OutcomeProceed}, nil
	}

	if existing.Fingerprint != fingerprint {
		return Admission{}, fmt.Errorf("%w: key %q", vaultledger.ErrConflictingReplay, key)
	}

	if !existing.Completed {
		return Admission{Outcome: OutcomeInProgress}, nil
	}

	return Admission{
		Outcome:       OutcomeReplay,
		Result:        existing.Result,
		Failed:        existing.Failed,
		FailureReason: existing.FailureReason,
	}, nil
}

// Complete finalizes a previously admitted key with its result.
func (a *Admitter) Complete(ctx context.Context, vaultID uuid.UUID, key string, result uuid.UUID) error {
	return a.store.Complete(ctx, vaultID, key, result)
}

// Fail finalizes a previously admitted key with a failure reason.
func (a *Admitter) Fail(ctx context.Context, vaultID uuid.UUID, key, reason string) error {
	return a.store.Fail(ctx, vaultID, key, reason)
}
