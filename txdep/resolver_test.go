//go:build unit

package txdep

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	resolver, err := NewResolver(NewMemoryStore())
	require.NoError(t, err)

	return resolver
}

func TestTypeValid(t *testing.T) {
	t.Parallel()

	assert.True(t, TypeSequential.Valid())
	assert.True(t, TypeConcurrent.Valid())
	assert.True(t, TypeExclusive.Valid())
	assert.False(t, Type("parallel").Valid())
	assert.False(t, Type("").Valid())
}

func TestDeclareValidation(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	txID := uuid.New()

	require.ErrorIs(t, resolver.Declare(t.Context(), txID, uuid.New(), Type("bogus")), ErrInvalidType)
	require.ErrorIs(t, resolver.Declare(t.Context(), txID, txID, TypeSequential), ErrSelfDependency)
}

func TestDeclareRejectsDuplicateEdge(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), a, b, TypeSequential))
	require.ErrorIs(t, resolver.Declare(t.Context(), a, b, TypeSequential), ErrDuplicateEdge)
}

func TestDeclareRejectsCycle(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), b, a, TypeSequential))
	require.ErrorIs(t, resolver.Declare(t.Context(), a, b, TypeSequential), vaultledger.ErrCyclicDependency)

	// transitive cycle: a <- b <- c, then a -> c closes the loop
	require.NoError(t, resolver.Declare(t.Context(), c, b, TypeSequential))
	require.ErrorIs(t, resolver.Declare(t.Context(), a, c, TypeSequential), vaultledger.ErrCyclicDependency)
}

func TestCheckBlocksOnUnresolvedPrerequisite(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	dependent, prereq := uuid.New(), uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), dependent, prereq, TypeSequential))

	decision, err := resolver.Check(t.Context(), dependent)
	require.NoError(t, err)
	assert.False(t, decision.CanProceed)
	assert.Equal(t, prereq, decision.BlockingID)
	require.ErrorIs(t, RequireProceed(decision), vaultledger.ErrDependencyUnresolved)

	// no declared edges means no blocking
	decision, err = resolver.Check(t.Context(), uuid.New())
	require.NoError(t, err)
	assert.True(t, decision.CanProceed)
	require.NoError(t, RequireProceed(decision))
}

func TestConcurrentEdgesNeverBlock(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	dependent, prereq := uuid.New(), uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), dependent, prereq, TypeConcurrent))

	decision, err := resolver.Check(t.Context(), dependent)
	require.NoError(t, err)
	assert.True(t, decision.CanProceed)
}

func TestResolveUnblocksDependents(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	prereqA, prereqB := uuid.New(), uuid.New()
	dependent := uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), dependent, prereqA, TypeSequential))
	require.NoError(t, resolver.Declare(t.Context(), dependent, prereqB, TypeSequential))

	// resolving one of two prerequisites does not unblock yet
	unblocked, err := resolver.Resolve(t.Context(), prereqA)
	require.NoError(t, err)
	assert.Empty(t, unblocked)

	decision, err := resolver.Check(t.Context(), dependent)
	require.NoError(t, err)
	assert.False(t, decision.CanProceed)
	assert.Equal(t, prereqB, decision.BlockingID)

	unblocked, err = resolver.Resolve(t.Context(), prereqB)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{dependent}, unblocked)

	decision, err = resolver.Check(t.Context(), dependent)
	require.NoError(t, err)
	assert.True(t, decision.CanProceed)
}

func TestExclusiveDependentsSerialize(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	prereq := uuid.New()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), first, prereq, TypeExclusive))
	require.NoError(t, resolver.Declare(t.Context(), second, prereq, TypeExclusive))

	_, err := resolver.Resolve(t.Context(), prereq)
	require.NoError(t, err)

	decision, err := resolver.Begin(t.Context(), first)
	require.NoError(t, err)
	require.True(t, decision.CanProceed)

	// the second exclusive dependent waits for the first to finish
	decision, err = resolver.Begin(t.Context(), second)
	require.NoError(t, err)
	assert.False(t, decision.CanProceed)
	assert.Equal(t, first, decision.BlockingID)

	// Check never claims, so it reports the same block without side effects
	decision, err = resolver.Check(t.Context(), second)
	require.NoError(t, err)
	assert.False(t, decision.CanProceed)

	resolver.Finish(first)

	decision, err = resolver.Begin(t.Context(), second)
	require.NoError(t, err)
	assert.True(t, decision.CanProceed)

	resolver.Finish(second)
}

func TestBeginIsIdempotentForRunner(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(t)
	prereq := uuid.New()
	dependent := uuid.New()

	require.NoError(t, resolver.Declare(t.Context(), dependent, prereq, TypeExclusive))

	_, err := resolver.Resolve(t.Context(), prereq)
	require.NoError(t, err)

	for range 2 {
		decision, err := resolver.Begin(t.Context(), dependent)
		require.NoError(t, err)
		require.True(t, decision.CanProceed)
	}

	resolver.Finish(dependent)
}

func TestNewResolverRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(nil)
	require.ErrorIs(t, err, ErrNilStore)
}
