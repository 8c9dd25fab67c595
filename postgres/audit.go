package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coralledger/vault-ledger/audit"
)

const auditColumns = `id, sequence, event_type, event_category, vault_id,
	transaction_id, event_data, actor, created_at, prev_hash, hash`

// AuditRepository persists audit chain entries in PostgreSQL. Rows are
// append-only; the schema carries no UPDATE or DELETE path for them.
type AuditRepository struct {
	connection *Connection
}

var _ audit.Store = (*AuditRepository)(nil)

// NewAuditRepository creates an audit repository over the connection hub.
func NewAuditRepository(connection *Connection) (*AuditRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &AuditRepository{connection: connection}, nil
}

// Append persists a recorder-sealed entry. When the context carries an open
// mutation transaction the insert joins it, so the entry and the balance
// change it describes commit or roll back together. The unique sequence
// index rejects a duplicate sequence, which would mean two recorders share
// one chain.
func (r *AuditRepository) Append(ctx context.Context, entry *audit.Entry) error {
	var execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}

	if tx, ok := txFromContext(ctx); ok {
		execer = tx
	} else {
		db, err := r.connection.DB(ctx)
		if err != nil {
			return err
		}

		execer = db
	}

	_, err := execer.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Sequence, entry.EventType, entry.EventCategory,
		nullableUUID(entry.VaultID), nullableUUID(entry.TransactionID),
		[]byte(entry.EventData), entry.Actor, entry.CreatedAt, entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	return nil
}

// Last returns the highest-sequence entry, or nil on an empty chain.
func (r *AuditRepository) Last(ctx context.Context) (*audit.Entry, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		ORDER BY sequence DESC
		LIMIT 1`)

	entry, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return entry, nil
}

// Range returns entries with fromSeq <= Sequence <= toSeq in order.
func (r *AuditRepository) Range(ctx context.Context, fromSeq, toSeq int64) ([]*audit.Entry, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE sequence >= $1`
	args := []any{fromSeq}

	if toSeq > 0 {
		query += ` AND sequence <= $2`
		args = append(args, toSeq)
	}

	query += ` ORDER BY sequence`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("range audit entries: %w", err)
	}

	defer rows.Close()

	var entries []*audit.Entry

	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func scanAuditEntry(row rowScanner) (*audit.Entry, error) {
	var (
		entry     audit.Entry
		vaultID   uuid.NullUUID
		txID      uuid.NullUUID
		eventData []byte
	)

	err := row.Scan(
		&entry.ID, &entry.Sequence, &entry.EventType, &entry.EventCategory,
		&vaultID, &txID, &eventData, &entry.Actor, &entry.CreatedAt,
		&entry.PrevHash, &entry.Hash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	entry.VaultID = vaultID.UUID
	entry.TransactionID = txID.UUID
	entry.EventData = eventData

	return &entry, nil
}
