package txdep

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	vaultledger "github.com/coralledger/vault-ledger"
)

// Neo4jStore persists the dependency graph in a property graph, where the
// cycle check is a native path query. The Bolt driver also speaks to
// wire-compatible openCypher endpoints.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// Compile-time assertion: *Neo4jStore implements Store.
var _ Store = (*Neo4jStore)(nil)

// Neo4jOptions configures the graph connection.
type Neo4jOptions struct {
	URI      string
	Database string
	Username string
	Password string
}

// NewNeo4jStore establishes a Bolt connection and verifies connectivity.
func NewNeo4jStore(ctx context.Context, opts Neo4jOptions) (*Neo4jStore, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("graph URI is required")
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)

		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}

	return &Neo4jStore{driver: driver, database: opts.Database}, nil
}

// Close releases the underlying driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) AddEdge(ctx context.Context, dep *Dependency) error {
	if dep.DependentID == dep.PrerequisiteID {
		return ErrSelfDependency
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		dupResult, err := tx.Run(ctx,
			`MATCH (d:Transaction {id: $dependent})-[r:DEPENDS_ON]->(p:Transaction {id: $prerequisite})
			 RETURN count(r) AS edges`,
			map[string]any{
				"dependent":    dep.DependentID.String(),
				"prerequisite": dep.PrerequisiteID.String(),
			})
		if err != nil {
			return nil, err
		}

		record, err := dupResult.Single(ctx)
		if err != nil {
			return nil, err
		}

		if count, _ := record.Get("edges"); count.(int64) > 0 {
			return nil, fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, dep.DependentID, dep.PrerequisiteID)
		}

		cycleResult, err := tx.Run(ctx,
			`MATCH (p:Transaction {id: $prerequisite}), (d:Transaction {id: $dependent})
			 RETURN exists((p)-[:DEPENDS_ON*]->(d)) AS cyclic`,
			map[string]any{
				"dependent":    dep.DependentID.String(),
				"prerequisite": dep.PrerequisiteID.String(),
			})
		if err != nil {
			return nil, err
		}

		if cycleResult.Next(ctx) {
			if cyclic, _ := cycleResult.Record().Get("cyclic"); cyclic == true {
				return nil, fmt.Errorf("%w: %s -> %s",
					vaultledger.ErrCyclicDependency, dep.DependentID, dep.PrerequisiteID)
			}
		}

		_, err = tx.Run(ctx,
			`MERGE (d:Transaction {id: $dependent})
			 MERGE (p:Transaction {id: $prerequisite})
			 CREATE (d)-[:DEPENDS_ON {type: $type, resolved: false, created_at: datetime()}]->(p)`,
			map[string]any{
				"dependent":    dep.DependentID.String(),
				"prerequisite": dep.PrerequisiteID.String(),
				"type":         string(dep.Type),
			})

		return nil, err
	})
	if err != nil {
		return fmt.Errorf("add dependency edge: %w", err)
	}

	return nil
}

func (s *Neo4jStore) EdgesFor(ctx context.Context, dependentID uuid.UUID) ([]*Dependency, error) {
	return s.queryEdges(ctx,
		`MATCH (d:Transaction {id: $id})-[r:DEPENDS_ON]->(p:Transaction)
		 RETURN d.id AS dependent, p.id AS prerequisite, r.type AS type, r.resolved AS resolved`,
		dependentID)
}

func (s *Neo4jStore) Dependents(ctx context.Context, prerequisiteID uuid.UUID) ([]*Dependency, error) {
	return s.queryEdges(ctx,
		`MATCH (d:Transaction)-[r:DEPENDS_ON]->(p:Transaction {id: $id})
		 RETURN d.id AS dependent, p.id AS prerequisite, r.type AS type, r.resolved AS resolved`,
		prerequisiteID)
}

func (s *Neo4jStore) queryEdges(ctx context.Context, cypher string, id uuid.UUID) ([]*Dependency, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, map[string]any{"id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}

	var edges []*Dependency

	for result.Next(ctx) {
		record := result.Record()
		edge, err := recordToDependency(record)
		if err != nil {
			return nil, err
		}

		edges = append(edges, edge)
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("consume dependency edges: %w", err)
	}

	return edges, nil
}

func (s *Neo4jStore) Resolve(ctx context.Context, prerequisiteID uuid.UUID) ([]uuid.UUID, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	records, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (d:Transaction)-[r:DEPENDS_ON]->(p:Transaction {id: $id})
			 WHERE r.resolved = false
			 SET r.resolved = true
			 WITH DISTINCT d
			 WHERE NOT EXISTS {
			   MATCH (d)-[blocking:DEPENDS_ON]->()
			   WHERE blocking.resolved = false AND blocking.type <> 'concurrent'
			 }
			 RETURN d.id AS dependent`,
			map[string]any{"id": prerequisiteID.String()})
		if err != nil {
			return nil, err
		}

		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve dependents: %w", err)
	}

	var unblocked []uuid.UUID

	for _, record := range records.([]*neo4j.Record) {
		raw, _ := record.Get("dependent")

		id, err := uuid.Parse(raw.(string))
		if err != nil {
			return nil, fmt.Errorf("parse dependent id: %w", err)
		}

		unblocked = append(unblocked, id)
	}

	return unblocked, nil
}

func recordToDependency(record *neo4j.Record) (*Dependency, error) {
	rawDependent, _ := record.Get("dependent")
	rawPrerequisite, _ := record.Get("prerequisite")
	rawType, _ := record.Get("type")
	rawResolved, _ := record.Get("resolved")

	dependentID, err := uuid.Parse(rawDependent.(string))
	if err != nil {
		return nil, fmt.Errorf("parse dependent id: %w", err)
	}

	prerequisiteID, err := uuid.Parse(rawPrerequisite.(string))
	if err != nil {
		return nil, fmt.Errorf("parse prerequisite id: %w", err)
	}

	resolved, _ := rawResolved.(bool)

	return &Dependency{
		DependentID:    dependentID,
		PrerequisiteID: prerequisiteID,
		Type:           Type(rawType.(string)),
		IsResolved:     resolved,
	}, nil
}
