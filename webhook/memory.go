package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests and
// single-process deployments.
type MemoryRepository struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*Subscription
	deliveries    map[uuid.UUID]*Delivery
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subscriptions: make(map[uuid.UUID]*Subscription),
		deliveries:    make(map[uuid.UUID]*Delivery),
	}
}

// CreateSubscription stores a copy of the subscription.
func (r *MemoryRepository) CreateSubscription(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *sub
	clone.Events = append([]string(nil), sub.Events...)
	r.subscriptions[sub.ID] = &clone

	return nil
}

// GetSubscription returns a copy of the subscription.
func (r *MemoryRepository) GetSubscription(_ context.Context, id uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *sub
	clone.Events = append([]string(nil), sub.Events...)

	return &clone, nil
}

// ListSubscriptionsForEvent returns active subscriptions listening for eventType.
func (r *MemoryRepository) ListSubscriptionsForEvent(_ context.Context, eventType string) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Subscription

	for _, sub := range r.subscriptions {
		if !sub.IsActive || !sub.Wants(eventType) {
			continue
		}

		clone := *sub
		clone.Events = append([]string(nil), sub.Events...)
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// IncrementFailureCount bumps the subscription failure counter.
func (r *MemoryRepository) IncrementFailureCount(_ context.Context, subscriptionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[subscriptionID]
	if !ok {
		return ErrNotFound
	}

	sub.FailureCount++
	sub.UpdatedAt = time.Now().UTC()

	return nil
}

// DeactivateSubscription marks the subscription inactive.
func (r *MemoryRepository) DeactivateSubscription(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[id]
	if !ok {
		return ErrNotFound
	}

	sub.IsActive = false
	sub.UpdatedAt = time.Now().UTC()

	return nil
}

// CreateDelivery stores a copy of the delivery.
func (r *MemoryRepository) CreateDelivery(_ context.Context, delivery *Delivery) error {
	if delivery == nil {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *delivery
	clone.EventData = append([]byte(nil), delivery.EventData...)
	r.deliveries[delivery.ID] = &clone

	return nil
}

// GetDelivery returns a copy of the delivery.
func (r *MemoryRepository) GetDelivery(_ context.Context, id uuid.UUID) (*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivery, ok := r.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *delivery

	return &clone, nil
}

// ListDue returns pending deliveries whose NextRetryAt is at or before now,
// oldest schedule first.
func (r *MemoryRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Delivery

	for _, delivery := range r.deliveries {
		if delivery.Status != StatusPending || delivery.NextRetryAt.After(now) {
			continue
		}

		clone := *delivery
		due = append(due, &clone)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// MarkDelivered transitions the delivery to its delivered terminal state.
func (r *MemoryRepository) MarkDelivered(_ context.Context, id uuid.UUID, deliveredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivery, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	delivery.Status = StatusDelivered
	delivery.DeliveredAt = &deliveredAt
	delivery.LastError = ""
	delivery.UpdatedAt = time.Now().UTC()

	return nil
}

// Reschedule records a failed attempt and the next retry time.
func (r *MemoryRepository) Reschedule(_ context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivery, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	delivery.AttemptCount = attemptCount
	delivery.NextRetryAt = nextRetryAt
	delivery.LastError = lastError
	delivery.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFailed transitions the delivery to its failed terminal state.
func (r *MemoryRepository) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivery, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	delivery.Status = StatusFailed
	delivery.LastError = lastError
	delivery.UpdatedAt = time.Now().UTC()

	return nil
}
