package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coralledger/vault-ledger/ledger"
)

const transactionColumns = `id, vault_id, tx_type, amount, status,
	proof_signature, proof_slot, proof_block_time, idempotency_key,
	source_vault_id, destination_vault_id, priority, metadata,
	failure_reason, created_at, updated_at`

// TransactionRepository persists transaction records in PostgreSQL.
type TransactionRepository struct {
	connection *Connection
}

var _ ledger.TransactionStore = (*TransactionRepository)(nil)

// NewTransactionRepository creates a transaction repository over the
// connection hub.
func NewTransactionRepository(connection *Connection) (*TransactionRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &TransactionRepository{connection: connection}, nil
}

// Create persists a new pending record.
func (r *TransactionRepository) Create(ctx context.Context, record *ledger.TransactionRecord) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transaction metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		record.ID, record.VaultID, record.Type, record.Amount, record.Status,
		record.Proof.Signature, record.Proof.Slot, record.Proof.BlockTime, record.IdempotencyKey,
		nullableUUID(record.SourceVaultID), nullableUUID(record.DestinationVaultID),
		record.Priority, metadata,
		record.FailureReason, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

// Get returns the record by id.
func (r *TransactionRepository) Get(ctx context.Context, id uuid.UUID) (*ledger.TransactionRecord, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	return scanTransaction(row)
}

// Transition moves a pending record to a terminal status inside one
// transaction, attaching proof or a failure reason.
func (r *TransactionRepository) Transition(ctx context.Context, id uuid.UUID, to ledger.Status, proof ledger.ExternalProof, reason string) (*ledger.TransactionRecord, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("transition target %q is not terminal", to)
	}

	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	current, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}

	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: transaction %s already %s",
			ledger.ErrStatusFinal, id, current.Status)
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $2, proof_signature = $3, proof_slot = $4, proof_block_time = $5,
		    failure_reason = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING `+transactionColumns,
		id, to, proof.Signature, proof.Slot, proof.BlockTime, reason)

	updated, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	return updated, nil
}

// ListByVault returns records referencing the vault, newest first. Transfer
// records surface for both sides.
func (r *TransactionRepository) ListByVault(ctx context.Context, vaultID uuid.UUID, limit int) ([]*ledger.TransactionRecord, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE vault_id = $1 OR source_vault_id = $1 OR destination_vault_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, vaultID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions by vault: %w", err)
	}

	defer rows.Close()

	var records []*ledger.TransactionRecord

	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// CountByStatus counts records in the given status.
func (r *TransactionRepository) CountByStatus(ctx context.Context, status ledger.Status) (int64, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return 0, err
	}

	var count int64

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions by status: %w", err)
	}

	return count, nil
}

func scanTransaction(row rowScanner) (*ledger.TransactionRecord, error) {
	var (
		record   ledger.TransactionRecord
		source   uuid.NullUUID
		dest     uuid.NullUUID
		metadata []byte
	)

	err := row.Scan(
		&record.ID, &record.VaultID, &record.Type, &record.Amount, &record.Status,
		&record.Proof.Signature, &record.Proof.Slot, &record.Proof.BlockTime, &record.IdempotencyKey,
		&source, &dest, &record.Priority, &metadata,
		&record.FailureReason, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}

		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	record.SourceVaultID = source.UUID
	record.DestinationVaultID = dest.UUID

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
		}
	}

	return &record, nil
}

// nullableUUID maps the zero uuid to SQL NULL so foreign keys stay clean.
func nullableUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
