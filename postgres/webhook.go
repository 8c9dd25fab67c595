package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coralledger/vault-ledger/webhook"
)

const (
	subscriptionColumns = `id, url, secret, events, is_active, failure_count,
	created_at, updated_at`

	deliveryColumns = `id, subscription_id, event_type, event_data, status,
	attempt_count, next_retry_at, last_error, delivered_at, created_at, updated_at`
)

// WebhookRepository persists subscriptions and deliveries in PostgreSQL.
type WebhookRepository struct {
	connection *Connection
}

var _ webhook.Repository = (*WebhookRepository)(nil)

// NewWebhookRepository creates a webhook repository over the connection hub.
func NewWebhookRepository(connection *Connection) (*WebhookRepository, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	return &WebhookRepository{connection: connection}, nil
}

func (r *WebhookRepository) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal subscription events: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.URL, sub.Secret, events, sub.IsActive, sub.FailureCount,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	return nil
}

func (r *WebhookRepository) GetSubscription(ctx context.Context, id uuid.UUID) (*webhook.Subscription, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)

	return scanSubscription(row)
}

// ListSubscriptionsForEvent returns active subscriptions whose event filter
// matches, oldest first. The JSONB containment check keeps the filter in the
// database instead of paging every row back.
func (r *WebhookRepository) ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]*webhook.Subscription, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	filter, err := json.Marshal([]string{eventType})
	if err != nil {
		return nil, fmt.Errorf("marshal event filter: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE is_active AND events @> $1
		ORDER BY created_at`, filter)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event: %w", err)
	}

	defer rows.Close()

	var subs []*webhook.Subscription

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}

		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func (r *WebhookRepository) IncrementFailureCount(ctx context.Context, subscriptionID uuid.UUID) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("increment failure count: %w", err)
	}

	return requireAffected(result, subscriptionID)
}

func (r *WebhookRepository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}

	return requireAffected(result, id)
}

func (r *WebhookRepository) CreateDelivery(ctx context.Context, delivery *webhook.Delivery) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		delivery.ID, delivery.SubscriptionID, delivery.EventType, delivery.EventData,
		delivery.Status, delivery.AttemptCount, delivery.NextRetryAt, delivery.LastError,
		delivery.DeliveredAt, delivery.CreatedAt, delivery.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

func (r *WebhookRepository) GetDelivery(ctx context.Context, id uuid.UUID) (*webhook.Delivery, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)

	return scanDelivery(row)
}

// ListDue returns pending deliveries whose retry time has arrived, most
// overdue first.
func (r *WebhookRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`, webhook.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}

	defer rows.Close()

	var due []*webhook.Delivery

	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}

		due = append(due, delivery)
	}

	return due, rows.Err()
}

func (r *WebhookRepository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, delivered_at = $3, last_error = '', updated_at = NOW()
		WHERE id = $1`, id, webhook.StatusDelivered, deliveredAt)
	if err != nil {
		return fmt.Errorf("mark delivery delivered: %w", err)
	}

	return requireAffected(result, id)
}

func (r *WebhookRepository) Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempt_count = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`, id, attemptCount, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}

	return requireAffected(result, id)
}

func (r *WebhookRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	db, err := r.connection.DB(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, webhook.StatusFailed, lastError)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}

	return requireAffected(result, id)
}

func scanSubscription(row rowScanner) (*webhook.Subscription, error) {
	var (
		sub    webhook.Subscription
		events []byte
	)

	err := row.Scan(
		&sub.ID, &sub.URL, &sub.Secret, &events, &sub.IsActive, &sub.FailureCount,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrNotFound
		}

		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal subscription events: %w", err)
	}

	return &sub, nil
}

func scanDelivery(row rowScanner) (*webhook.Delivery, error) {
	var delivery webhook.Delivery

	err := row.Scan(
		&delivery.ID, &delivery.SubscriptionID, &delivery.EventType, &delivery.EventData,
		&delivery.Status, &delivery.AttemptCount, &delivery.NextRetryAt, &delivery.LastError,
		&delivery.DeliveredAt, &delivery.CreatedAt, &delivery.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrNotFound
		}

		return nil, fmt.Errorf("scan delivery: %w", err)
	}

	return &delivery, nil
}

func requireAffected(result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", webhook.ErrNotFound, id)
	}

	return nil
}
