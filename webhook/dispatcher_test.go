//go:build unit

package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (s *fakeSender) Send(context.Context, *Subscription, *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}

	s.calls++

	return err
}

func (s *fakeSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func newTestDispatcher(t *testing.T, repo Repository, sender Sender, now *time.Time, cfg DispatcherConfig) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(repo, sender, nil,
		WithConfig(cfg),
		WithClock(func() time.Time { return *now }),
	)
	require.NoError(t, err)

	return dispatcher
}

func enqueueOne(t *testing.T, ctx context.Context, repo Repository, d *Dispatcher) (*Subscription, *Delivery) {
	t.Helper()

	sub, err := NewSubscription("https://example.com/hooks", "s3cret", []string{"vault.deposited"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateSubscription(ctx, sub))

	created, err := d.Enqueue(ctx, "vault.deposited", []byte(`{"amount":100}`))
	require.NoError(t, err)
	require.Len(t, created, 1)

	return sub, created[0]
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, &fakeSender{}, nil)
	require.ErrorIs(t, err, ErrNilRepository)

	_, err = NewDispatcher(NewMemoryRepository(), nil, nil)
	require.ErrorIs(t, err, ErrNilSender)
}

func TestDispatchOnceDelivers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	sender := &fakeSender{}
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, sender, &now, DispatcherConfig{})
	_, delivery := enqueueOne(t, ctx, repo, dispatcher)

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Delivered: 1}, result)
	require.Equal(t, 1, sender.sendCount())

	stored, err := repo.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)

	// A delivered delivery is terminal and never re-sent.
	result = dispatcher.DispatchOnce(ctx)
	require.Zero(t, result.Processed)
	require.Equal(t, 1, sender.sendCount())
}

func TestDispatchOnceLinearRetrySchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	sender := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	now := time.Now().UTC()
	retryDelay := 30 * time.Second

	dispatcher := newTestDispatcher(t, repo, sender, &now, DispatcherConfig{RetryDelay: retryDelay, MaxRetries: 5})
	_, delivery := enqueueOne(t, ctx, repo, dispatcher)

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Failed: 1}, result)

	stored, err := repo.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.AttemptCount)
	require.Equal(t, now.Add(retryDelay), stored.NextRetryAt)
	require.Contains(t, stored.LastError, "boom")

	// Not due yet.
	require.Zero(t, dispatcher.DispatchOnce(ctx).Processed)

	// Second failure pushes the schedule out by delay*2.
	now = now.Add(retryDelay)
	result = dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Failed: 1}, result)

	stored, err = repo.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.AttemptCount)
	require.Equal(t, now.Add(2*retryDelay), stored.NextRetryAt)

	// Third attempt succeeds.
	now = now.Add(2 * retryDelay)
	result = dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Delivered: 1}, result)
}

func TestDispatchOnceExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	sender := &fakeSender{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, sender, &now, DispatcherConfig{MaxRetries: 3, RetryDelay: time.Second})
	sub, delivery := enqueueOne(t, ctx, repo, dispatcher)

	for i := 0; i < 3; i++ {
		result := dispatcher.DispatchOnce(ctx)
		require.Equal(t, 1, result.Processed)
		now = now.Add(time.Minute)
	}

	stored, err := repo.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.True(t, stored.Terminal())

	storedSub, err := repo.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), storedSub.FailureCount)
	require.True(t, storedSub.IsActive)

	// Terminal failure is never retried.
	require.Zero(t, dispatcher.DispatchOnce(ctx).Processed)
	require.Equal(t, 3, sender.sendCount())
}

// flakySubscriptionRepo flips between the wrapped repository and a failing
// subscription lookup.
type flakySubscriptionRepo struct {
	Repository

	mu   sync.Mutex
	fail bool
}

func (r *flakySubscriptionRepo) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *flakySubscriptionRepo) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()

	if fail {
		return nil, errors.New("subscription store unavailable")
	}

	return r.Repository.GetSubscription(ctx, id)
}

func TestDispatchOnceRetriesAfterSubscriptionLookupError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := &flakySubscriptionRepo{Repository: NewMemoryRepository()}
	sender := &fakeSender{}
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, sender, &now, DispatcherConfig{})
	_, delivery := enqueueOne(t, ctx, repo, dispatcher)

	repo.setFail(true)

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Failed: 1}, result)
	require.Zero(t, sender.sendCount())

	// A transient lookup failure must not terminal-fail the delivery.
	stored, err := repo.Repository.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)

	repo.setFail(false)

	result = dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Delivered: 1}, result)
	require.Equal(t, 1, sender.sendCount())
}

func TestDispatchOnceInactiveSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	sender := &fakeSender{}
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, sender, &now, DispatcherConfig{})
	sub, delivery := enqueueOne(t, ctx, repo, dispatcher)
	require.NoError(t, repo.DeactivateSubscription(ctx, sub.ID))

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, DispatchResult{Processed: 1, Failed: 1, Exhausted: 1}, result)
	require.Zero(t, sender.sendCount())

	stored, err := repo.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
}

func TestEnqueueFansOutToMatchingSubscriptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, &fakeSender{}, &now, DispatcherConfig{})

	matching, err := NewSubscription("https://a.example.com", "s", []string{"vault.locked"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateSubscription(ctx, matching))

	other, err := NewSubscription("https://b.example.com", "s", []string{"vault.deposited"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateSubscription(ctx, other))

	inactive, err := NewSubscription("https://c.example.com", "s", []string{"vault.locked"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateSubscription(ctx, inactive))
	require.NoError(t, repo.DeactivateSubscription(ctx, inactive.ID))

	created, err := dispatcher.Enqueue(ctx, "vault.locked", []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, matching.ID, created[0].SubscriptionID)
}

func TestEnqueueForInactiveSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, &fakeSender{}, &now, DispatcherConfig{})

	sub, err := NewSubscription("https://example.com", "s", []string{"vault.locked"})
	require.NoError(t, err)
	require.NoError(t, repo.CreateSubscription(ctx, sub))
	require.NoError(t, repo.DeactivateSubscription(ctx, sub.ID))

	_, err = dispatcher.EnqueueFor(ctx, sub.ID, "vault.locked", []byte(`{}`))
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = dispatcher.EnqueueFor(ctx, uuid.New(), "vault.locked", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcherShutdown(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	now := time.Now().UTC()

	dispatcher := newTestDispatcher(t, repo, &fakeSender{}, &now, DispatcherConfig{DispatchInterval: 10 * time.Millisecond})

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(nil)
	}()

	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
