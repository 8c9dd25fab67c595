package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

// Draft is the caller-supplied part of an audit entry; the recorder fills in
// identity, sequence, and the chain link.
type Draft struct {
	EventType     string
	EventCategory string
	VaultID       uuid.UUID
	TransactionID uuid.UUID
	EventData     any
	Actor         string
}

// Recorder appends entries to the chain. A single mutex serializes appends
// so the prev-hash link never forks under concurrency.
type Recorder struct {
	store Store

	mu       sync.Mutex
	lastSeq  int64
	lastHash string
	primed   bool
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store) (*Recorder, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	return &Recorder{store: store}, nil
}

// Append chains and persists a new entry. It must be called inside the same
// logical unit as the mutation it describes, before the mutation is
// acknowledged to the caller.
func (r *Recorder) Append(ctx context.Context, draft Draft) (*Entry, error) {
	if strings.TrimSpace(draft.EventType) == "" {
		return nil, ErrEmptyEventType
	}

	var payload json.RawMessage

	if draft.EventData != nil {
		encoded, err := json.Marshal(draft.EventData)
		if err != nil {
			return nil, fmt.Errorf("encode audit event data: %w", err)
		}

		payload = encoded
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		last, err := r.store.Last(ctx)
		if err != nil {
			return nil, fmt.Errorf("load audit chain tip: %w", err)
		}

		if last != nil {
			r.lastSeq = last.Sequence
			r.lastHash = last.Hash
		}

		r.primed = true
	}

	entry := &Entry{
		ID:            uuid.New(),
		Sequence:      r.lastSeq + 1,
		EventType:     draft.EventType,
		EventCategory: draft.EventCategory,
		VaultID:       draft.VaultID,
		TransactionID: draft.TransactionID,
		EventData:     payload,
		Actor:         draft.Actor,
		CreatedAt:     time.Now().UTC(),
		PrevHash:      r.lastHash,
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, err
	}

	entry.Hash = hash

	if err := r.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	r.lastSeq = entry.Sequence
	r.lastHash = entry.Hash

	return entry, nil
}

// Reset discards the cached chain tip so the next Append re-reads it from
// the store. Callers must invoke it when an enclosing transaction rolls
// back after a successful Append, since the rollback unwinds the stored
// entry but not the recorder's view of the tip.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.primed = false
	r.lastSeq = 0
	r.lastHash = ""
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Entries  int
	Valid    bool
	BrokenAt int64 // sequence of the first broken entry, 0 when valid
}

// Verify replays the hash chain over the stored entries. The first entry
// whose recomputed hash (or prev-hash link) disagrees with storage marks the
// chain broken; everything after it is untrustworthy by construction.
func Verify(ctx context.Context, store Store, fromSeq, toSeq int64) (VerifyResult, error) {
	entries, err := store.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load audit entries: %w", err)
	}

	result := VerifyResult{Entries: len(entries), Valid: true}

	prevHash := ""
	if len(entries) > 0 {
		prevHash = entries[0].PrevHash
	}

	for _, entry := range entries {
		if entry.PrevHash != prevHash {
			return brokenAt(result, entry.Sequence), nil
		}

		recomputed, err := ComputeHash(entry)
		if err != nil {
			return VerifyResult{}, err
		}

		if recomputed != entry.Hash {
			return brokenAt(result, entry.Sequence), nil
		}

		prevHash = entry.Hash
	}

	return result, nil
}

func brokenAt(result VerifyResult, sequence int64) VerifyResult {
	result.Valid = false
	result.BrokenAt = sequence

	return result
}

// RequireValid converts a failed verification into the fatal-to-trust error.
func RequireValid(result VerifyResult) error {
	if result.Valid {
		return nil
	}

	return fmt.Errorf("%w: at sequence %d", vaultledger.ErrAuditChainBroken, result.BrokenAt)
}
