package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coralledger/vault-ledger/reconcile"
)

const snapshotColumns = `id, vault_id, total_balance, locked_balance,
	available_balance, external_slot, external_block_time, external_signature,
	is_consistent, discrepancies, drift_percent, created_at`

// SnapshotRepository persists reconciliation snapshots in PostgreSQL.
type SnapshotRepository struct {
	connection *Connection
}

var _ reconcile.SnapshotStore = (*SnapshotRepository)(nil)

// NewSnapshotRepository creates a snapshot repository over the connection hub.
func NewSnapshotRepository(connection *Connection) (*SnapshotRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &SnapshotRepository{connection: connection}, nil
}

// Save persists a snapshot.
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *reconcile.Snapshot) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	discrepancies, err := json.Marshal(snapshot.Discrepancies)
	if err != nil {
		return fmt.Errorf("marshal discrepancies: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO reconciliation_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snapshot.ID, snapshot.VaultID,
		snapshot.TotalBalance, snapshot.LockedBalance, snapshot.AvailableBalance,
		snapshot.External.Slot, snapshot.External.BlockTime, snapshot.External.Signature,
		snapshot.IsConsistent, discrepancies, snapshot.DriftPercent.String(),
		snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

// Latest returns the newest snapshot for a vault, or nil when none exists.
func (r *SnapshotRepository) Latest(ctx context.Context, vaultID uuid.UUID) (*reconcile.Snapshot, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM reconciliation_snapshots
		WHERE vault_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, vaultID)

	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return snapshot, nil
}

// ListForVault returns snapshots for a vault, newest first.
func (r *SnapshotRepository) ListForVault(ctx context.Context, vaultID uuid.UUID, limit int) ([]*reconcile.Snapshot, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM reconciliation_snapshots
		WHERE vault_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, vaultID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	defer rows.Close()

	var snapshots []*reconcile.Snapshot

	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, rows.Err()
}

// CountInconsistent counts vaults whose latest snapshot is inconsistent.
func (r *SnapshotRepository) CountInconsistent(ctx context.Context) (int64, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return 0, err
	}

	var count int64

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT ON (vault_id) is_consistent
			FROM reconciliation_snapshots
			ORDER BY vault_id, created_at DESC
		) latest
		WHERE NOT latest.is_consistent`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count inconsistent snapshots: %w", err)
	}

	return count, nil
}

func scanSnapshot(row rowScanner) (*reconcile.Snapshot, error) {
	var (
		snapshot      reconcile.Snapshot
		discrepancies []byte
		drift         string
	)

	err := row.Scan(
		&snapshot.ID, &snapshot.VaultID,
		&snapshot.TotalBalance, &snapshot.LockedBalance, &snapshot.AvailableBalance,
		&snapshot.External.Slot, &snapshot.External.BlockTime, &snapshot.External.Signature,
		&snapshot.IsConsistent, &discrepancies, &drift,
		&snapshot.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	if len(discrepancies) > 0 {
		if err := json.Unmarshal(discrepancies, &snapshot.Discrepancies); err != nil {
			return nil, fmt.Errorf("unmarshal discrepancies: %w", err)
		}
	}

	snapshot.DriftPercent, err = decimal.NewFromString(drift)
	if err != nil {
		return nil, fmt.Errorf("parse drift percent: %w", err)
	}

	return &snapshot, nil
}
