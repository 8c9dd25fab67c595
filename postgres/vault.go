package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/safe"
	"github.com/coralledger/vault-ledger/vault"
)

const vaultColumns = `id, owner_key, vault_address, token_account_address,
	total_balance, locked_balance, available_balance, is_active, version,
	created_at, updated_at, last_activity_at`

// VaultRepository persists vaults in PostgreSQL.
type VaultRepository struct {
	connection *Connection
}

var _ vault.Store = (*VaultRepository)(nil)

// NewVaultRepository creates a vault repository over the connection hub.
func NewVaultRepository(connection *Connection) (*VaultRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &VaultRepository{connection: connection}, nil
}

// Create persists a new vault row.
func (r *VaultRepository) Create(ctx context.Context, v *vault.Vault) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO vaults (`+vaultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.OwnerKey, v.VaultAddress, v.TokenAccountAddress,
		v.TotalBalance, v.LockedBalance, v.AvailableBalance, v.IsActive, v.Version,
		v.CreatedAt, v.UpdatedAt, v.LastActivityAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("vault address %q already registered: %w", v.VaultAddress, err)
		}

		return fmt.Errorf("insert vault: %w", err)
	}

	return nil
}

// Get returns the vault by id.
func (r *VaultRepository) Get(ctx context.Context, vaultID uuid.UUID) (*vault.Vault, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, vaultID)

	return scanVault(row)
}

// GetByOwner returns the earliest-created vault for an owner key. An owner
// may hold several vaults; the ordering keeps the lookup deterministic.
func (r *VaultRepository) GetByOwner(ctx context.Context, ownerKey string) (*vault.Vault, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT `+vaultColumns+` FROM vaults
		WHERE owner_key = $1
		ORDER BY created_at, id
		LIMIT 1`, ownerKey)

	return scanVault(row)
}

// ApplyMutation applies the delta inside one transaction with a row lock.
// The version guard, invariant, and non-negativity checks mirror the
// in-memory store; the database CHECK constraints are a second line of
// defense, not the primary one. Hooks run before commit with the open
// transaction carried in the context, so repositories they invoke join it.
func (r *VaultRepository) ApplyMutation(ctx context.Context, vaultID uuid.UUID, delta vault.Delta, expectedVersion int64, hooks ...vault.MutationHook) (*vault.Vault, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mutation transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE id = $1 FOR UPDATE`, vaultID)

	current, err := scanVault(row)
	if err != nil {
		return nil, err
	}

	updated, err := mutated(current, delta, expectedVersion)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE vaults
		SET total_balance = $2, locked_balance = $3, available_balance = $4,
		    version = $5, updated_at = $6, last_activity_at = $6
		WHERE id = $1 AND version = $7`,
		vaultID, updated.TotalBalance, updated.LockedBalance, updated.AvailableBalance,
		updated.Version, updated.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update vault balances: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mutation rows affected: %w", err)
	}

	if affected == 0 {
		return nil, fmt.Errorf("%w: vault %s version moved past %d",
			vaultledger.ErrVersionConflict, vaultID, expectedVersion)
	}

	hookCtx := contextWithTx(ctx, tx)

	for _, hook := range hooks {
		if err := hook(hookCtx, updated.Clone()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mutation: %w", err)
	}

	return updated, nil
}

// mutated computes the post-delta vault, enforcing the same rules as the
// in-memory store.
func mutated(current *vault.Vault, delta vault.Delta, expectedVersion int64) (*vault.Vault, error) {
	if !current.IsActive {
		return nil, fmt.Errorf("%w: vault %s", vaultledger.ErrVaultInactive, current.ID)
	}

	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d",
			vaultledger.ErrVersionConflict, expectedVersion, current.Version)
	}

	if err := current.CheckInvariant(); err != nil {
		return nil, err
	}

	if !delta.Consistent() {
		return nil, fmt.Errorf("%w: delta total=%d != locked=%d + available=%d",
			vaultledger.ErrInvariantViolation, delta.Total, delta.Locked, delta.Available)
	}

	updated := current.Clone()

	var err error

	if updated.TotalBalance, err = safe.AddInt64(current.TotalBalance, delta.Total); err != nil {
		return nil, fmt.Errorf("%w: total balance", vaultledger.ErrOverflow)
	}

	if updated.LockedBalance, err = safe.AddInt64(current.LockedBalance, delta.Locked); err != nil {
		return nil, fmt.Errorf("%w: locked balance", vaultledger.ErrOverflow)
	}

	if updated.AvailableBalance, err = safe.AddInt64(current.AvailableBalance, delta.Available); err != nil {
		return nil, fmt.Errorf("%w: available balance", vaultledger.ErrOverflow)
	}

	if updated.TotalBalance < 0 || updated.LockedBalance < 0 || updated.AvailableBalance < 0 {
		return nil, fmt.Errorf("%w: delta (%d, %d, %d) on vault %s",
			vaultledger.ErrInsufficientFunds, delta.Total, delta.Locked, delta.Available, current.ID)
	}

	if err := updated.CheckInvariant(); err != nil {
		return nil, err
	}

	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	updated.LastActivityAt = updated.UpdatedAt

	return updated, nil
}

// ListActive returns active vaults, paged by limit/offset.
func (r *VaultRepository) ListActive(ctx context.Context, limit, offset int) ([]*vault.Vault, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+vaultColumns+` FROM vaults
		WHERE is_active
		ORDER BY created_at
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list active vaults: %w", err)
	}

	defer rows.Close()

	var vaults []*vault.Vault

	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}

		vaults = append(vaults, v)
	}

	return vaults, rows.Err()
}

// Deactivate flags a vault inactive, preserving balances.
func (r *VaultRepository) Deactivate(ctx context.Context, vaultID uuid.UUID) (*vault.Vault, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		UPDATE vaults
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+vaultColumns, vaultID)

	return scanVault(row)
}

// Stats aggregates balances across active vaults.
func (r *VaultRepository) Stats(ctx context.Context) (vault.Stats, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return vault.Stats{}, err
	}

	var stats vault.Stats

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total_balance), 0),
		       COALESCE(SUM(locked_balance), 0),
		       COALESCE(SUM(available_balance), 0)
		FROM vaults WHERE is_active`).
		Scan(&stats.VaultCount, &stats.TotalValueLocked, &stats.TotalLocked, &stats.TotalAvailable)
	if err != nil {
		return vault.Stats{}, fmt.Errorf("aggregate vault stats: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*vault.Vault, error) {
	var v vault.Vault

	err := row.Scan(
		&v.ID, &v.OwnerKey, &v.VaultAddress, &v.TokenAccountAddress,
		&v.TotalBalance, &v.LockedBalance, &v.AvailableBalance, &v.IsActive, &v.Version,
		&v.CreatedAt, &v.UpdatedAt, &v.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vaultledger.ErrVaultNotFound
		}

		return nil, fmt.Errorf("scan vault: %w", err)
	}

	return &v, nil
}
