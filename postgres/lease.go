package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/lease"
)

// LeaseRepository persists operation leases in PostgreSQL.
type LeaseRepository struct {
	connection *Connection
}

var _ lease.Store = (*LeaseRepository)(nil)

// NewLeaseRepository creates a lease repository over the connection hub.
func NewLeaseRepository(connection *Connection) (*LeaseRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &LeaseRepository{connection: connection}, nil
}

// Insert persists an in_progress lease row. The INSERT..SELECT rejects the
// common case of an unexpired holder; the partial unique index on
// (vault_id) WHERE status = 'in_progress' closes the race two concurrent
// acquirers would otherwise win together under read committed, surfacing
// the loser's unique violation as ErrAlreadyLocked.
func (r *LeaseRepository) Insert(ctx context.Context, op *lease.PendingOperation) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO pending_operations
			(operation_id, op_type, vault_id, amount, status, created_at, expires_at, created_by)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM pending_operations
			WHERE vault_id = $3 AND status = $9 AND expires_at > $6
		)`,
		op.OperationID, op.Type, op.VaultID, op.Amount, op.Status,
		op.CreatedAt, op.ExpiresAt, op.CreatedBy, lease.StatusInProgress,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: vault %s", vaultledger.ErrAlreadyLocked, op.VaultID)
		}

		return fmt.Errorf("insert lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease insert rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: vault %s", vaultledger.ErrAlreadyLocked, op.VaultID)
	}

	return nil
}

// ActiveForVault returns the in_progress lease for the vault, or nil.
func (r *LeaseRepository) ActiveForVault(ctx context.Context, vaultID uuid.UUID) (*lease.PendingOperation, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	var op lease.PendingOperation

	err = db.QueryRowContext(ctx, `
		SELECT operation_id, op_type, vault_id, amount, status, created_at, expires_at, created_by
		FROM pending_operations
		WHERE vault_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, vaultID, lease.StatusInProgress).
		Scan(&op.OperationID, &op.Type, &op.VaultID, &op.Amount, &op.Status,
			&op.CreatedAt, &op.ExpiresAt, &op.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("query active lease: %w", err)
	}

	return &op, nil
}

// Finish transitions an operation out of in_progress.
func (r *LeaseRepository) Finish(ctx context.Context, operationID uuid.UUID, status lease.Status) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = $2
		WHERE operation_id = $1 AND status = $3`,
		operationID, status, lease.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("finish lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease finish rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: operation %s", lease.ErrLeaseNotHeld, operationID)
	}

	return nil
}

// SweepExpired marks every expired in_progress row failed and returns the
// number of rows reclaimed.
func (r *LeaseRepository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		lease.StatusFailed, lease.StatusInProgress, now,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("lease sweep rows affected: %w", err)
	}

	return int(affected), nil
}
