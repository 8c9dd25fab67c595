package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/log"
)

const lockKeyPrefix = "vaultledger:lease:"

// ErrNilRedisClient is returned when a redis manager is built without a client.
var ErrNilRedisClient = errors.New("redis client is nil")

// RedisManager is a Locker backed by the RedLock algorithm, for deployments
// where multiple service instances mutate the same vault set. Lease rows are
// still persisted through the Store so reconciliation and forensics keep the
// same audit surface as the in-process manager.
type RedisManager struct {
	redsync *redsync.Redsync
	store   Store
	ttl     time.Duration
	logger  log.Logger
}

// Compile-time assertion: *RedisManager implements Locker.
var _ Locker = (*RedisManager)(nil)

// NewRedisManager creates a distributed lease manager over a redis client.
func NewRedisManager(client goredislib.UniversalClient, store Store, ttl time.Duration, logger log.Logger) (*RedisManager, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}

	if store == nil {
		return nil, ErrNilStore
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &RedisManager{
		redsync: redsync.New(goredis.NewPool(client)),
		store:   store,
		ttl:     ttl,
		logger:  logger,
	}, nil
}

// Acquire implements Locker. Contention maps to ErrAlreadyLocked; redis
// expiry provides the TTL-based reclamation.
func (m *RedisManager) Acquire(ctx context.Context, vaultID uuid.UUID, info OperationInfo) (*Lease, error) {
	if info.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	if info.OperationID == uuid.Nil {
		info.OperationID = uuid.New()
	}

	mutex := m.redsync.NewMutex(
		lockKeyPrefix+vaultID.String(),
		redsync.WithExpiry(m.ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, fmt.Errorf("%w: vault %s", vaultledger.ErrAlreadyLocked, vaultID)
		}

		return nil, fmt.Errorf("acquire distributed lease for vault %s: %w", vaultID, err)
	}

	now := time.Now().UTC()
	op := &PendingOperation{
		OperationID: info.OperationID,
		Type:        info.Type,
		VaultID:     vaultID,
		Amount:      info.Amount,
		Status:      StatusInProgress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
		CreatedBy:   info.CreatedBy,
	}

	if err := m.store.Insert(ctx, op); err != nil {
		if _, unlockErr := mutex.UnlockContext(ctx); unlockErr != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to unlock after insert failure",
				log.String("vault_id", vaultID.String()), log.Err(unlockErr))
		}

		return nil, fmt.Errorf("persist lease: %w", err)
	}

	return &Lease{
		Operation: *op,
		release: func(ctx context.Context, success bool) error {
			return m.release(ctx, mutex, op, success)
		},
	}, nil
}

// AcquirePair implements Locker using the same canonical ordering as the
// in-process manager.
func (m *RedisManager) AcquirePair(ctx context.Context, first, second uuid.UUID, info OperationInfo) (*Lease, *Lease, error) {
	a, b := CanonicalOrder(first, second)

	leaseA, err := m.Acquire(ctx, a, info)
	if err != nil {
		return nil, nil, err
	}

	secondInfo := info
	secondInfo.OperationID = uuid.New()

	leaseB, err := m.Acquire(ctx, b, secondInfo)
	if err != nil {
		if releaseErr := leaseA.Release(ctx, false); releaseErr != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to release first lease of pair",
				log.String("vault_id", a.String()), log.Err(releaseErr))
		}

		return nil, nil, err
	}

	return leaseA, leaseB, nil
}

func (m *RedisManager) release(ctx context.Context, mutex *redsync.Mutex, op *PendingOperation, success bool) error {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	if err := m.store.Finish(ctx, op.OperationID, status); err != nil {
		m.logger.Log(ctx, log.LevelWarn, "failed to finish lease row",
			log.String("operation_id", op.OperationID.String()), log.Err(err))
	}

	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release distributed lease: %w", err)
	}

	if !ok {
		// The redis key expired and another worker may have reclaimed the
		// vault; the caller must re-validate via the version check.
		return fmt.Errorf("%w: operation %s", vaultledger.ErrLeaseExpired, op.OperationID)
	}

	return nil
}

// isContention distinguishes lock-busy outcomes from infrastructure failures.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}
