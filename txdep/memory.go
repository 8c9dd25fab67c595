package txdep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
)

// MemoryStore keeps the dependency graph in process.
type MemoryStore struct {
	mu    sync.Mutex
	edges []*Dependency
}

// Compile-time assertion: *MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory dependency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AddEdge(_ context.Context, dep *Dependency) error {
	if dep.DependentID == dep.PrerequisiteID {
		return ErrSelfDependency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.edges {
		if existing.DependentID == dep.DependentID && existing.PrerequisiteID == dep.PrerequisiteID {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, dep.DependentID, dep.PrerequisiteID)
		}
	}

	// Reachability check: if the prerequisite already depends (transitively)
	// on the dependent, this edge would close a cycle.
	if s.reachableLocked(dep.PrerequisiteID, dep.DependentID) {
		return fmt.Errorf("%w: %s -> %s", vaultledger.ErrCyclicDependency, dep.DependentID, dep.PrerequisiteID)
	}

	clone := *dep
	clone.CreatedAt = time.Now().UTC()
	s.edges = append(s.edges, &clone)

	return nil
}

// reachableLocked walks dependent -> prerequisite edges from start looking
// for target. Caller holds s.mu.
func (s *MemoryStore) reachableLocked(start, target uuid.UUID) bool {
	visited := make(map[uuid.UUID]bool)
	stack := []uuid.UUID{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == target {
			return true
		}

		if visited[current] {
			continue
		}

		visited[current] = true

		for _, edge := range s.edges {
			if edge.DependentID == current {
				stack = append(stack, edge.PrerequisiteID)
			}
		}
	}

	return false
}

func (s *MemoryStore) EdgesFor(_ context.Context, dependentID uuid.UUID) ([]*Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Dependency

	for _, edge := range s.edges {
		if edge.DependentID == dependentID {
			clone := *edge
			result = append(result, &clone)
		}
	}

	return result, nil
}

func (s *MemoryStore) Dependents(_ context.Context, prerequisiteID uuid.UUID) ([]*Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Dependency

	for _, edge := range s.edges {
		if edge.PrerequisiteID == prerequisiteID {
			clone := *edge
			result = append(result, &clone)
		}
	}

	return result, nil
}

func (s *MemoryStore) Resolve(_ context.Context, prerequisiteID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[uuid.UUID]bool)

	for _, edge := range s.edges {
		if edge.PrerequisiteID == prerequisiteID && !edge.IsResolved {
			edge.IsResolved = true
			touched[edge.DependentID] = true
		}
	}

	var unblocked []uuid.UUID

	for dependentID := range touched {
		blocked := false

		for _, edge := range s.edges {
			if edge.DependentID != dependentID || edge.Type == TypeConcurrent {
				continue
			}

			if !edge.IsResolved {
				blocked = true

				break
			}
		}

		if !blocked {
			unblocked = append(unblocked, dependentID)
		}
	}

	return unblocked, nil
}
