package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coralledger/vault-ledger/idempotency"
)

const idempotencyColumns = `vault_id, idempotency_key, fingerprint, completed,
	failed, result_id, failure_reason, created_at, completed_at`

// IdempotencyRepository persists idempotency records in PostgreSQL.
type IdempotencyRepository struct {
	connection *Connection
}

var _ idempotency.Store = (*IdempotencyRepository)(nil)

// NewIdempotencyRepository creates an idempotency repository over the
// connection hub.
func NewIdempotencyRepository(connection *Connection) (*IdempotencyRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &IdempotencyRepository{connection: connection}, nil
}

// CreatePending atomically creates a pending record. ON CONFLICT DO NOTHING
// is the first-writer-wins arbitration: losers re-read the winner's row.
func (r *IdempotencyRepository) CreatePending(ctx context.Context, record *idempotency.Record) (bool, *idempotency.Record, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return false, nil, err
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO idempotency_records (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vault_id, idempotency_key) DO NOTHING`,
		record.VaultID, record.Key, record.Fingerprint, record.Completed,
		record.Failed, nullableUUID(record.Result), record.FailureReason,
		record.CreatedAt, record.CompletedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency insert rows affected: %w", err)
	}

	if affected > 0 {
		return true, nil, nil
	}

	existing, err := r.Get(ctx, record.VaultID, record.Key)
	if err != nil {
		return false, nil, err
	}

	return false, existing, nil
}

// Get returns the record for the key.
func (r *IdempotencyRepository) Get(ctx context.Context, vaultID uuid.UUID, key string) (*idempotency.Record, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_records
		WHERE vault_id = $1 AND idempotency_key = $2`, vaultID, key)

	var (
		record idempotency.Record
		result uuid.NullUUID
	)

	err = row.Scan(
		&record.VaultID, &record.Key, &record.Fingerprint, &record.Completed,
		&record.Failed, &result, &record.FailureReason,
		&record.CreatedAt, &record.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}

		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}

	record.Result = result.UUID

	return &record, nil
}

// Complete finalizes the record with the operation result.
func (r *IdempotencyRepository) Complete(ctx context.Context, vaultID uuid.UUID, key string, result uuid.UUID) error {
	return r.finalize(ctx, vaultID, key, false, result, "")
}

// Fail finalizes the record with a failure reason.
func (r *IdempotencyRepository) Fail(ctx context.Context, vaultID uuid.UUID, key string, reason string) error {
	return r.finalize(ctx, vaultID, key, true, uuid.Nil, reason)
}

func (r *IdempotencyRepository) finalize(ctx context.Context, vaultID uuid.UUID, key string, failed bool, result uuid.UUID, reason string) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	rows, err := db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET completed = TRUE, failed = $3, result_id = $4, failure_reason = $5,
		    completed_at = NOW()
		WHERE vault_id = $1 AND idempotency_key = $2`,
		vaultID, key, failed, nullableUUID(result), reason,
	)
	if err != nil {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}

	affected, err := rows.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency finalize rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: vault %s key %q", idempotency.ErrRecordNotFound, vaultID, key)
	}

	return nil
}

// Purge removes completed records created before the cutoff.
func (r *IdempotencyRepository) Purge(ctx context.Context, before time.Time) (int, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE completed AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency purge rows affected: %w", err)
	}

	return int(affected), nil
}
