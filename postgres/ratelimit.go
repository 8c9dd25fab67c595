package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bxcodec/dbresolver/v2"

	"github.com/coralledger/vault-ledger/ratelimit"
)

// RateLimitRepository persists token-bucket state in PostgreSQL. The
// refill-then-deduct step runs inside one transaction with a row lock, so
// concurrent consumers on the same key serialize instead of double-spending.
type RateLimitRepository struct {
	connection *Connection
}

var _ ratelimit.Store = (*RateLimitRepository)(nil)

// NewRateLimitRepository creates a rate-limit repository over the connection
// hub.
func NewRateLimitRepository(connection *Connection) (*RateLimitRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &RateLimitRepository{connection: connection}, nil
}

// Consume refills and deducts the bucket atomically. Unknown keys start as
// full buckets.
func (r *RateLimitRepository) Consume(ctx context.Context, key string, n float64, limits ratelimit.Limits, now time.Time) (ratelimit.Admission, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return ratelimit.Admission{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Admission{}, fmt.Errorf("begin bucket transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	bucket, err := lockBucket(ctx, tx, key, limits, now)
	if err != nil {
		return ratelimit.Admission{}, err
	}

	bucket, admission := ratelimit.Consume(bucket, n, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE rate_limit_buckets
		SET current_tokens = $2, max_tokens = $3, refill_rate = $4, last_refill_at = $5
		WHERE bucket_key = $1`,
		key, bucket.CurrentTokens, bucket.MaxTokens, bucket.RefillRate, bucket.LastRefillAt,
	)
	if err != nil {
		return ratelimit.Admission{}, fmt.Errorf("update bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ratelimit.Admission{}, fmt.Errorf("commit bucket: %w", err)
	}

	return admission, nil
}

// lockBucket returns the row-locked bucket for the key, inserting a full one
// on first sight. The ON CONFLICT no-op keeps concurrent first sights safe.
func lockBucket(ctx context.Context, tx dbresolver.Tx, key string, limits ratelimit.Limits, now time.Time) (ratelimit.Bucket, error) {
	var bucket ratelimit.Bucket

	err := tx.QueryRowContext(ctx, `
		SELECT bucket_key, current_tokens, max_tokens, refill_rate, last_refill_at
		FROM rate_limit_buckets
		WHERE bucket_key = $1
		FOR UPDATE`, key).
		Scan(&bucket.Key, &bucket.CurrentTokens, &bucket.MaxTokens, &bucket.RefillRate, &bucket.LastRefillAt)

	switch {
	case err == nil:
		return bucket, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return ratelimit.Bucket{}, fmt.Errorf("lock bucket: %w", err)
	}

	bucket, err = ratelimit.NewBucket(key, limits, now)
	if err != nil {
		return ratelimit.Bucket{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets
			(bucket_key, current_tokens, max_tokens, refill_rate, last_refill_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket_key) DO NOTHING`,
		bucket.Key, bucket.CurrentTokens, bucket.MaxTokens, bucket.RefillRate, bucket.LastRefillAt,
	)
	if err != nil {
		return ratelimit.Bucket{}, fmt.Errorf("insert bucket: %w", err)
	}

	return bucket, nil
}
