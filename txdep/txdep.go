// Package txdep orders transactions that declare prerequisites. Edges are
// directed dependent -> prerequisite; insertion rejects duplicates and cycles,
// and resolution is driven by prerequisite completion.
package txdep

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type classifies a dependency edge.
type Type string

const (
	// TypeSequential blocks the dependent until the prerequisite completes.
	TypeSequential Type = "sequential"
	// TypeConcurrent is informational and never blocks.
	TypeConcurrent Type = "concurrent"
	// TypeExclusive blocks like sequential and additionally serializes
	// dependents sharing the same prerequisite: at most one exclusive
	// dependent of a prerequisite runs at a time.
	TypeExclusive Type = "exclusive"
)

// Valid reports whether the type is one of the known dependency kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeSequential, TypeConcurrent, TypeExclusive:
		return true
	default:
		return false
	}
}

var (
	// ErrNilStore is returned when a resolver is constructed without a store.
	ErrNilStore = errors.New("dependency store is nil")
	// ErrInvalidType is returned for unknown dependency types.
	ErrInvalidType = errors.New("invalid dependency type")
	// ErrSelfDependency is returned when a transaction declares itself as
	// prerequisite.
	ErrSelfDependency = errors.New("transaction cannot depend on itself")
	// ErrDuplicateEdge is returned when the ordered pair already exists.
	ErrDuplicateEdge = errors.New("dependency edge already exists")
)

// Dependency is a directed edge: the dependent cannot proceed until the
// prerequisite resolves (except for concurrent edges).
type Dependency struct {
	DependentID    uuid.UUID
	PrerequisiteID uuid.UUID
	Type           Type
	IsResolved     bool
	CreatedAt      time.Time
}

// Decision is the outcome of a proceed check.
type Decision struct {
	CanProceed bool
	BlockingID uuid.UUID
	Reason     string
}

// Store persists the dependency graph. AddEdge must reject duplicate ordered
// pairs (ErrDuplicateEdge) and cycles (vaultledger.ErrCyclicDependency) at
// insertion time.
type Store interface {
	AddEdge(ctx context.Context, dep *Dependency) error

	// EdgesFor returns all edges where the transaction is the dependent.
	EdgesFor(ctx context.Context, dependentID uuid.UUID) ([]*Dependency, error)

	// Dependents returns all edges where the transaction is the prerequisite.
	Dependents(ctx context.Context, prerequisiteID uuid.UUID) ([]*Dependency, error)

	// Resolve flips every edge pointing at the prerequisite and returns the
	// dependent ids whose last blocking edge just resolved.
	Resolve(ctx context.Context, prerequisiteID uuid.UUID) ([]uuid.UUID, error)
}
