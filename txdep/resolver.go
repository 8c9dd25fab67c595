package txdep

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

// Resolver answers "may this transaction proceed" and tracks the running
// exclusive dependents that serialize against a shared prerequisite.
type Resolver struct {
	store Store

	mu               sync.Mutex
	runningExclusive map[uuid.UUID]uuid.UUID // prerequisite -> running dependent
	claims           map[uuid.UUID][]uuid.UUID
}

// NewResolver creates a resolver over the given dependency store.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	return &Resolver{
		store:            store,
		runningExclusive: make(map[uuid.UUID]uuid.UUID),
		claims:           make(map[uuid.UUID][]uuid.UUID),
	}, nil
}

// Declare inserts a prerequisite edge for the transaction.
func (r *Resolver) Declare(ctx context.Context, dependentID, prerequisiteID uuid.UUID, depType Type) error {
	if !depType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, depType)
	}

	if dependentID == prerequisiteID {
		return ErrSelfDependency
	}

	dep := &Dependency{
		DependentID:    dependentID,
		PrerequisiteID: prerequisiteID,
		Type:           depType,
	}

	if err := r.store.AddEdge(ctx, dep); err != nil {
		return err
	}

	return nil
}

// Check reports whether the transaction may proceed without claiming
// exclusive slots.
func (r *Resolver) Check(ctx context.Context, txID uuid.UUID) (Decision, error) {
	return r.decide(ctx, txID, false)
}

// Begin is Check plus registration: when the decision allows, exclusive
// slots against the transaction's prerequisites are claimed atomically.
// Callers must pair a successful Begin with Finish.
func (r *Resolver) Begin(ctx context.Context, txID uuid.UUID) (Decision, error) {
	return r.decide(ctx, txID, true)
}

func (r *Resolver) decide(ctx context.Context, txID uuid.UUID, claim bool) (Decision, error) {
	edges, err := r.store.EdgesFor(ctx, txID)
	if err != nil {
		return Decision{}, fmt.Errorf("list dependency edges: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var exclusivePrereqs []uuid.UUID

	for _, edge := range edges {
		switch edge.Type {
		case TypeConcurrent:
			continue
		case TypeSequential, TypeExclusive:
			if !edge.IsResolved {
				return Decision{
					BlockingID: edge.PrerequisiteID,
					Reason:     fmt.Sprintf("prerequisite %s not resolved", edge.PrerequisiteID),
				}, nil
			}
		}

		if edge.Type != TypeExclusive {
			continue
		}

		if runner, busy := r.runningExclusive[edge.PrerequisiteID]; busy && runner != txID {
			return Decision{
				BlockingID: runner,
				Reason:     fmt.Sprintf("exclusive dependent %s running against prerequisite %s", runner, edge.PrerequisiteID),
			}, nil
		}

		exclusivePrereqs = append(exclusivePrereqs, edge.PrerequisiteID)
	}

	if claim {
		for _, prereq := range exclusivePrereqs {
			r.runningExclusive[prereq] = txID
		}

		r.claims[txID] = exclusivePrereqs
	}

	return Decision{CanProceed: true}, nil
}

// Finish releases the exclusive slots claimed by Begin.
func (r *Resolver) Finish(txID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prereq := range r.claims[txID] {
		if r.runningExclusive[prereq] == txID {
			delete(r.runningExclusive, prereq)
		}
	}

	delete(r.claims, txID)
}

// Resolve marks every edge pointing at the prerequisite resolved, driven by
// the prerequisite transaction reaching a terminal status. It returns the
// dependent ids that are no longer blocked.
func (r *Resolver) Resolve(ctx context.Context, prerequisiteID uuid.UUID) ([]uuid.UUID, error) {
	unblocked, err := r.store.Resolve(ctx, prerequisiteID)
	if err != nil {
		return nil, fmt.Errorf("resolve dependents of %s: %w", prerequisiteID, err)
	}

	return unblocked, nil
}

// RequireProceed converts a blocking decision into the dependency error the
// submission path returns synchronously.
func RequireProceed(decision Decision) error {
	if decision.CanProceed {
		return nil
	}

	return fmt.Errorf("%w: %s", vaultledger.ErrDependencyUnresolved, decision.Reason)
}
