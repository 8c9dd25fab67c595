//go:build unit

package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/vault"
)

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "credentials in url",
			err:  errors.New(`dial error: postgres://ledger:hunter2@db:5432/vaults refused`),
			want: `dial error: postgres://***@db:5432/vaults refused`,
		},
		{
			name: "password key value",
			err:  errors.New(`pq: password=swordfish authentication failed`),
			want: `pq: password=*** authentication failed`,
		},
		{
			name: "plain error untouched",
			err:  errors.New("connection reset by peer"),
			want: "connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, sanitizeSensitiveError(tt.err))
		})
	}
}

func TestSanitizePathRejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := sanitizePath("migrations/../../etc/passwd")
	require.Error(t, err)

	got, err := sanitizePath("migrations")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "migrations"))
}

func TestNullableUUID(t *testing.T) {
	t.Parallel()

	assert.False(t, nullableUUID(uuid.Nil).Valid)

	id := uuid.New()
	wrapped := nullableUUID(id)
	assert.True(t, wrapped.Valid)
	assert.Equal(t, id, wrapped.UUID)
}

func TestIsDuplicateKey(t *testing.T) {
	t.Parallel()

	assert.True(t, isDuplicateKey(errors.New(
		`ERROR: duplicate key value violates unique constraint "uq_pending_operations_active" (SQLSTATE 23505)`)))
	assert.False(t, isDuplicateKey(errors.New("connection reset by peer")))
	assert.False(t, isDuplicateKey(nil))
}

func TestRepositoriesRequireConnection(t *testing.T) {
	t.Parallel()

	_, err := NewVaultRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewTransactionRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewLeaseRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewIdempotencyRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewRateLimitRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewWebhookRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewAuditRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)

	_, err = NewSnapshotRepository(nil)
	require.ErrorIs(t, err, ErrNilConnection)
}

func seededVault(total, locked int64) *vault.Vault {
	v := vault.New("owner", "vault-addr", "token-addr")
	v.TotalBalance = total
	v.LockedBalance = locked
	v.AvailableBalance = total - locked

	return v
}

func TestMutated(t *testing.T) {
	t.Parallel()

	t.Run("applies delta and bumps version", func(t *testing.T) {
		t.Parallel()

		current := seededVault(1000, 0)

		updated, err := mutated(current, vault.Delta{Total: 0, Locked: 400, Available: -400}, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), updated.TotalBalance)
		assert.Equal(t, int64(400), updated.LockedBalance)
		assert.Equal(t, int64(600), updated.AvailableBalance)
		assert.Equal(t, int64(2), updated.Version)

		// the input vault is untouched
		assert.Equal(t, int64(0), current.LockedBalance)
		assert.Equal(t, int64(1), current.Version)
	})

	t.Run("version mismatch", func(t *testing.T) {
		t.Parallel()

		_, err := mutated(seededVault(1000, 0), vault.Delta{Total: 100, Available: 100}, 7)
		require.ErrorIs(t, err, vaultledger.ErrVersionConflict)
	})

	t.Run("inactive vault", func(t *testing.T) {
		t.Parallel()

		current := seededVault(1000, 0)
		current.IsActive = false

		_, err := mutated(current, vault.Delta{Total: 100, Available: 100}, 1)
		require.ErrorIs(t, err, vaultledger.ErrVaultInactive)
	})

	t.Run("inconsistent delta", func(t *testing.T) {
		t.Parallel()

		_, err := mutated(seededVault(1000, 0), vault.Delta{Total: 100, Available: 50}, 1)
		require.ErrorIs(t, err, vaultledger.ErrInvariantViolation)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		t.Parallel()

		_, err := mutated(seededVault(1000, 600), vault.Delta{Total: -500, Available: -500}, 1)
		require.ErrorIs(t, err, vaultledger.ErrInsufficientFunds)
	})

	t.Run("overflow", func(t *testing.T) {
		t.Parallel()

		current := seededVault(1<<62, 0)

		_, err := mutated(current, vault.Delta{Total: 1 << 62, Available: 1 << 62}, 1)
		require.ErrorIs(t, err, vaultledger.ErrOverflow)
	})
}

func TestConnectionInitDefaults(t *testing.T) {
	t.Parallel()

	conn := &Connection{ConnectionStringPrimary: "postgres://localhost/ledger"}
	conn.initDefaults()

	assert.NotNil(t, conn.Logger)
	assert.Equal(t, conn.ConnectionStringPrimary, conn.ConnectionStringReplica)
	assert.Equal(t, defaultMaxOpenConns, conn.MaxOpenConnections)
	assert.Equal(t, defaultMaxIdleConns, conn.MaxIdleConnections)
}

func TestDBBeforeConnect(t *testing.T) {
	t.Parallel()

	// DB on a connection with no reachable server attempts a lazy connect
	// and surfaces the failure rather than a nil resolver.
	conn := &Connection{
		ConnectionStringPrimary: "postgres://localhost:1/never",
		MigrationsPath:          t.TempDir(),
	}

	_, err := conn.DB(t.Context())
	require.Error(t, err)
}

func TestMutatedTimestamps(t *testing.T) {
	t.Parallel()

	current := seededVault(500, 0)
	current.UpdatedAt = time.Now().Add(-time.Hour)

	updated, err := mutated(current, vault.Delta{Total: 100, Available: 100}, 1)
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(current.UpdatedAt))
	assert.Equal(t, updated.UpdatedAt, updated.LastActivityAt)
}
