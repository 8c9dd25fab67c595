package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/backoff"
	"github.com/coralledger/vault-ledger/log"
)

// Dispatcher drains due deliveries and posts them through a Sender.
// It runs as an App under the Launcher and retries failed deliveries on
// a linear schedule until each delivery's attempt budget runs out.
type Dispatcher struct {
	repo   Repository
	sender Sender
	logger log.Logger
	tracer trace.Tracer
	cfg    DispatcherConfig
	now    func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ vaultledger.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed int
	Delivered int
	Failed    int
	Exhausted int
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConfig overrides the default dispatcher configuration.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(repo Repository, sender Sender, logger log.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}

	if sender == nil {
		return nil, ErrNilSender
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	dispatcher := &Dispatcher{
		repo:   repo,
		sender: sender,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("vaultledger.noop"),
		cfg:    DefaultDispatcherConfig(),
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init webhook metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Enqueue creates one pending delivery per active subscription listening
// for eventType and returns the created deliveries. Enqueueing never
// blocks on network calls; the dispatcher loop performs the sends.
func (d *Dispatcher) Enqueue(ctx context.Context, eventType string, eventData []byte) ([]*Delivery, error) {
	subs, err := d.repo.ListSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var created []*Delivery

	for _, sub := range subs {
		delivery, err := NewDelivery(sub.ID, eventType, eventData)
		if err != nil {
			return created, err
		}

		if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
			return created, fmt.Errorf("create delivery: %w", err)
		}

		created = append(created, delivery)
	}

	return created, nil
}

// EnqueueFor creates one pending delivery for a specific subscription.
func (d *Dispatcher) EnqueueFor(ctx context.Context, subscriptionID uuid.UUID, eventType string, eventData []byte) (*Delivery, error) {
	sub, err := d.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if !sub.IsActive {
		return nil, ErrSubscriptionClosed
	}

	delivery, err := NewDelivery(sub.ID, eventType, eventData)
	if err != nil {
		return nil, err
	}

	if err := d.repo.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	return delivery, nil
}

// Run starts the dispatch loop until Stop is called.
func (d *Dispatcher) Run(_ *vaultledger.Launcher) error {
	ctx := context.Background()

	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	d.logger.Log(ctx, log.LevelInfo, "webhook dispatcher started",
		log.Duration("interval", d.cfg.DispatchInterval),
		log.Int("batch_size", d.cfg.BatchSize))

	for {
		select {
		case <-d.stop:
			d.logger.Log(ctx, log.LevelInfo, "webhook dispatcher stopped")

			return nil
		case <-ticker.C:
			func() {
				d.dispatchWg.Add(1)
				defer d.dispatchWg.Done()

				tickCtx, span := d.tracer.Start(ctx, "webhook.dispatch_once")
				defer span.End()

				d.DispatchOnce(tickCtx)
			}()
		}
	}
}

// Stop signals the dispatch loop to stop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.Stop()

	done := make(chan struct{})

	go func() {
		d.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one batch of due deliveries and returns counters.
func (d *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	start := d.now()

	due, err := d.repo.ListDue(ctx, start, d.cfg.BatchSize)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "list due deliveries failed", log.Err(err))

		return DispatchResult{}
	}

	d.metrics.queueDepth.Record(ctx, int64(len(due)))

	var result DispatchResult

	for _, delivery := range due {
		if ctx.Err() != nil {
			break
		}

		result.Processed++

		switch d.attempt(ctx, delivery) {
		case attemptDelivered:
			result.Delivered++
		case attemptRetrying:
			result.Failed++
		case attemptExhausted:
			result.Failed++
			result.Exhausted++
		}
	}

	d.metrics.delivered.Add(ctx, int64(result.Delivered))
	d.metrics.failed.Add(ctx, int64(result.Failed))
	d.metrics.exhausted.Add(ctx, int64(result.Exhausted))
	d.metrics.dispatchLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

type attemptOutcome int

const (
	attemptDelivered attemptOutcome = iota
	attemptRetrying
	attemptExhausted
)

func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) attemptOutcome {
	sub, err := d.repo.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// A transient lookup failure says nothing about the endpoint. The
		// delivery stays due and a later pass retries it.
		d.logger.Log(ctx, log.LevelError, "load subscription for delivery failed",
			log.String("delivery_id", delivery.ID.String()), log.Err(err))

		return attemptRetrying
	}

	if err != nil || !sub.IsActive {
		// The endpoint is gone; retrying cannot help.
		if markErr := d.repo.MarkFailed(ctx, delivery.ID, "subscription inactive or missing"); markErr != nil {
			d.logger.Log(ctx, log.LevelError, "mark orphaned delivery failed",
				log.String("delivery_id", delivery.ID.String()), log.Err(markErr))
		}

		return attemptExhausted
	}

	sendErr := d.sender.Send(ctx, sub, delivery)
	if sendErr == nil {
		if err := d.repo.MarkDelivered(ctx, delivery.ID, d.now()); err != nil {
			// The endpoint received the event but the delivered state did
			// not persist. The delivery stays due and will be re-sent, so
			// receivers must dedupe on the delivery ID header.
			d.logger.Log(ctx, log.LevelError, "delivery sent but state update failed",
				log.String("delivery_id", delivery.ID.String()), log.Err(err))

			return attemptRetrying
		}

		return attemptDelivered
	}

	attempts := delivery.AttemptCount + 1

	if attempts >= d.cfg.MaxRetries {
		if err := d.repo.MarkFailed(ctx, delivery.ID, sendErr.Error()); err != nil {
			d.logger.Log(ctx, log.LevelError, "mark exhausted delivery failed",
				log.String("delivery_id", delivery.ID.String()), log.Err(err))

			return attemptRetrying
		}

		if err := d.repo.IncrementFailureCount(ctx, sub.ID); err != nil {
			d.logger.Log(ctx, log.LevelError, "increment subscription failure count failed",
				log.String("subscription_id", sub.ID.String()), log.Err(err))
		}

		d.logger.Log(ctx, log.LevelWarn, "webhook delivery exhausted",
			log.String("delivery_id", delivery.ID.String()),
			log.String("subscription_id", sub.ID.String()),
			log.Int("attempts", attempts),
			log.Err(errors.Join(vaultledger.ErrDeliveryExhausted, sendErr)))

		return attemptExhausted
	}

	nextRetryAt := d.now().Add(backoff.Linear(d.cfg.RetryDelay, attempts))

	if err := d.repo.Reschedule(ctx, delivery.ID, attempts, nextRetryAt, sendErr.Error()); err != nil {
		d.logger.Log(ctx, log.LevelError, "reschedule delivery failed",
			log.String("delivery_id", delivery.ID.String()), log.Err(err))
	}

	return attemptRetrying
}
