// Package webhook implements at-least-once notification delivery with
// linear retry backoff. Deliveries are queued durably and drained by a
// Dispatcher; a failed delivery is retried until its attempt budget is
// exhausted, at which point it becomes terminally failed and the owning
// subscription's failure count is incremented.
//
// Delivery failures never affect the state mutation that produced the
// event. Webhooks are a side-channel, not part of the transactional
// boundary.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

const (
	// DefaultMaxRetries is the delivery attempt budget per delivery.
	DefaultMaxRetries = 5

	// DefaultRetryDelay is the base delay of the linear retry schedule.
	DefaultRetryDelay = 30 * time.Second

	// MaxPayloadBytes bounds the serialized event payload.
	MaxPayloadBytes = 1 << 20
)

var (
	ErrNilRepository      = errors.New("webhook repository is nil")
	ErrNilSender          = errors.New("webhook sender is nil")
	ErrEmptyURL           = errors.New("webhook url is empty")
	ErrEmptySecret        = errors.New("webhook secret is empty")
	ErrNoEventTypes       = errors.New("webhook subscription has no event types")
	ErrEmptyEventType     = errors.New("event type is empty")
	ErrPayloadTooLarge    = errors.New("event payload exceeds maximum size")
	ErrPayloadNotJSON     = errors.New("event payload is not valid JSON")
	ErrSubscriptionClosed = errors.New("webhook subscription is inactive")
	ErrNotFound           = errors.New("webhook record not found")
)

// Subscription is a registered webhook endpoint. Events lists the event
// types the endpoint wants; a delivery is only enqueued for matching
// subscriptions.
type Subscription struct {
	ID           uuid.UUID `json:"id"`
	URL          string    `json:"url"`
	Secret       string    `json:"-"`
	Events       []string  `json:"events"`
	IsActive     bool      `json:"is_active"`
	FailureCount int64     `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewSubscription validates and creates an active subscription.
func NewSubscription(url, secret string, events []string) (*Subscription, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrEmptyURL
	}

	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}

	if len(events) == 0 {
		return nil, ErrNoEventTypes
	}

	for _, eventType := range events {
		if strings.TrimSpace(eventType) == "" {
			return nil, ErrEmptyEventType
		}
	}

	now := time.Now().UTC()

	return &Subscription{
		ID:        uuid.New(),
		URL:       url,
		Secret:    secret,
		Events:    append([]string(nil), events...),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Wants reports whether the subscription listens for the given event type.
func (s *Subscription) Wants(eventType string) bool {
	for _, candidate := range s.Events {
		if candidate == eventType {
			return true
		}
	}

	return false
}

// Delivery is one queued notification for one subscription. It stays
// pending across retries and becomes terminal as delivered or failed.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	EventType      string     `json:"event_type"`
	EventData      []byte     `json:"event_data"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	NextRetryAt    time.Time  `json:"next_retry_at"`
	LastError      string     `json:"last_error,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewDelivery validates and creates a pending delivery due immediately.
func NewDelivery(subscriptionID uuid.UUID, eventType string, eventData []byte) (*Delivery, error) {
	if subscriptionID == uuid.Nil {
		return nil, ErrNotFound
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	if len(eventData) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if len(eventData) > 0 && !json.Valid(eventData) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Delivery{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		EventData:      eventData,
		Status:         StatusPending,
		AttemptCount:   0,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Terminal reports whether the delivery will never be attempted again.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed || d.Status == StatusExpired
}

// Repository defines persistence for subscriptions and deliveries.
type Repository interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	IncrementFailureCount(ctx context.Context, subscriptionID uuid.UUID) error
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error

	CreateDelivery(ctx context.Context, delivery *Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}
