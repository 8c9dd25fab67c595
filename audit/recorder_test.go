//go:build unit

package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
)

func appendEntries(t *testing.T, recorder *Recorder, n int) []*Entry {
	t.Helper()

	entries := make([]*Entry, 0, n)

	for i := range n {
		entry, err := recorder.Append(t.Context(), Draft{
			EventType:     "balance_locked",
			EventCategory: CategoryBalance,
			VaultID:       uuid.New(),
			EventData:     map[string]int{"amount": 100 + i},
			Actor:         "tester",
		})
		require.NoError(t, err)

		entries = append(entries, entry)
	}

	return entries
}

func TestAppendChainsEntries(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	entries := appendEntries(t, recorder, 3)

	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Empty(t, entries[0].PrevHash)

	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Sequence+1, entries[i].Sequence)
		assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}

	result, err := Verify(t.Context(), store, 1, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Entries)
	require.NoError(t, RequireValid(result))
}

func TestAppendRejectsEmptyEventType(t *testing.T) {
	t.Parallel()

	recorder, err := NewRecorder(NewMemoryStore())
	require.NoError(t, err)

	_, err = recorder.Append(t.Context(), Draft{EventType: "  "})
	require.ErrorIs(t, err, ErrEmptyEventType)
}

func TestRecorderResumesExistingChain(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	first, err := NewRecorder(store)
	require.NoError(t, err)
	entries := appendEntries(t, first, 2)

	// a fresh recorder over the same store picks up the chain tip
	second, err := NewRecorder(store)
	require.NoError(t, err)

	entry, err := second.Append(t.Context(), Draft{
		EventType:     "vault_deactivated",
		EventCategory: CategoryAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Sequence)
	assert.Equal(t, entries[1].Hash, entry.PrevHash)

	result, err := Verify(t.Context(), store, 1, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	appendEntries(t, recorder, 5)

	require.True(t, store.Tamper(3, func(entry *Entry) {
		entry.Actor = "intruder"
	}))

	result, err := Verify(t.Context(), store, 1, 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.BrokenAt)
	require.ErrorIs(t, RequireValid(result), vaultledger.ErrAuditChainBroken)

	// the prefix before the tampered entry still verifies
	result, err = Verify(t.Context(), store, 1, 2)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Entries)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	appendEntries(t, recorder, 4)

	// rewriting an entry's hash consistently still breaks the link to the next
	require.True(t, store.Tamper(2, func(entry *Entry) {
		entry.Actor = "intruder"
		entry.Hash, _ = ComputeHash(entry)
	}))

	result, err := Verify(t.Context(), store, 1, 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.BrokenAt)
}

func TestVerifyEmptyChain(t *testing.T) {
	t.Parallel()

	result, err := Verify(t.Context(), NewMemoryStore(), 1, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.Entries)
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	recorder, err := NewRecorder(store)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := recorder.Append(context.Background(), Draft{
				EventType:     "balance_locked",
				EventCategory: CategoryBalance,
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	result, err := Verify(t.Context(), store, 1, 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 20, result.Entries)
}

func TestComputeHashIsDeterministic(t *testing.T) {
	t.Parallel()

	entry := &Entry{
		ID:            uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Sequence:      1,
		EventType:     "balance_locked",
		EventCategory: CategoryBalance,
		PrevHash:      "abc",
	}

	first, err := ComputeHash(entry)
	require.NoError(t, err)

	second, err := ComputeHash(entry)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entry.EventType = "balance_unlocked"

	third, err := ComputeHash(entry)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
