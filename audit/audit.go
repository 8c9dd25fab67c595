// Package audit implements the append-only, hash-chained audit trail. Every
// state-changing operation appends an entry whose hash links to the previous
// entry, so recomputing the chain detects tampering or missed writes.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event categories group entry types for querying.
const (
	CategoryBalance        = "balance"
	CategoryTransaction    = "transaction"
	CategoryLease          = "lease"
	CategoryReconciliation = "reconciliation"
	CategoryAdmin          = "admin"
)

var (
	// ErrNilStore is returned when a recorder is constructed without a store.
	ErrNilStore = errors.New("audit store is nil")
	// ErrEmptyEventType is returned when an entry lacks an event type.
	ErrEmptyEventType = errors.New("audit event type is empty")
)

// Entry is one link of the audit chain. Hash covers PrevHash plus the
// canonical serialization of every other field, so any off-chain mutation of
// a stored entry breaks verification at that entry and all subsequent ones.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	EventCategory string          `json:"event_category"`
	VaultID       uuid.UUID       `json:"vault_id,omitempty"`
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"-"`
}

// ComputeHash derives the chain hash for the entry:
// sha256(prev_hash || canonical_serialization(entry)).
func ComputeHash(entry *Entry) (string, error) {
	canonical, err := canonicalize(entry)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(entry.PrevHash))
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize serializes the hash-covered fields in declaration order.
// json.Marshal of a struct emits fields in declaration order, which makes the
// serialization stable across processes.
func canonicalize(entry *Entry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit entry: %w", err)
	}

	return payload, nil
}

// Store persists audit entries in sequence order.
type Store interface {
	// Append persists an entry whose Sequence, PrevHash, and Hash were
	// already computed by the recorder.
	Append(ctx context.Context, entry *Entry) error

	// Last returns the highest-sequence entry, or nil on an empty chain.
	Last(ctx context.Context) (*Entry, error)

	// Range returns entries with fromSeq <= Sequence <= toSeq in order.
	// toSeq <= 0 means "to the end".
	Range(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error)
}
