package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/audit"
	"github.com/coralledger/vault-ledger/idempotency"
	"github.com/coralledger/vault-ledger/lease"
	"github.com/coralledger/vault-ledger/log"
	"github.com/coralledger/vault-ledger/ratelimit"
	"github.com/coralledger/vault-ledger/reconcile"
	"github.com/coralledger/vault-ledger/txdep"
	"github.com/coralledger/vault-ledger/vault"
	"github.com/coralledger/vault-ledger/webhook"
)

const (
	defaultEventBuffer = 256
	anonymousActor     = "anonymous"
)

// Deps wires the service to its collaborators. Every field except
// Snapshots, Publisher, Logger, and EventBuffer is required.
type Deps struct {
	Vaults       vault.Store
	Transactions TransactionStore
	Locker       lease.Locker
	Admitter     *idempotency.Admitter
	Limiter      *ratelimit.Limiter
	Resolver     *txdep.Resolver
	Recorder     *audit.Recorder
	Dispatcher   *webhook.Dispatcher
	WebhookRepo  webhook.Repository

	// Snapshots backs the inconsistent-snapshot figure in health reports.
	Snapshots reconcile.SnapshotStore
	// Publisher mirrors notification events onto a message broker.
	Publisher webhook.EventPublisher
	Logger    log.Logger
	// EventBuffer sizes the event stream channel.
	EventBuffer int
}

func (d Deps) validate() error {
	switch {
	case d.Vaults == nil:
		return errors.New("vault store is required")
	case d.Transactions == nil:
		return errors.New("transaction store is required")
	case d.Locker == nil:
		return errors.New("lock manager is required")
	case d.Admitter == nil:
		return errors.New("idempotency admitter is required")
	case d.Limiter == nil:
		return errors.New("rate limiter is required")
	case d.Resolver == nil:
		return errors.New("dependency resolver is required")
	case d.Recorder == nil:
		return errors.New("audit recorder is required")
	case d.Dispatcher == nil:
		return errors.New("webhook dispatcher is required")
	case d.WebhookRepo == nil:
		return errors.New("webhook repository is required")
	default:
		return nil
	}
}

// Service is the core external interface. All mutating operations funnel
// through SubmitOperation; confirmation and failure reports from the
// external ledger writer arrive through ConfirmTransaction and
// FailTransaction.
type Service struct {
	vaults    vault.Store
	txs       TransactionStore
	locker    lease.Locker
	admitter  *idempotency.Admitter
	limiter   *ratelimit.Limiter
	deps      *txdep.Resolver
	recorder  *audit.Recorder
	webhooks  *webhook.Dispatcher
	hookRepo  webhook.Repository
	snapshots reconcile.SnapshotStore
	publisher webhook.EventPublisher
	logger    log.Logger

	events chan Event
}

// NewService creates the orchestrating service.
func NewService(deps Deps) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("ledger service: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	buffer := deps.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	return &Service{
		vaults:    deps.Vaults,
		txs:       deps.Transactions,
		locker:    deps.Locker,
		admitter:  deps.Admitter,
		limiter:   deps.Limiter,
		deps:      deps.Resolver,
		recorder:  deps.Recorder,
		webhooks:  deps.Dispatcher,
		hookRepo:  deps.WebhookRepo,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		logger:    logger,
		events:    make(chan Event, buffer),
	}, nil
}

// DependencyDecl declares one prerequisite edge on a submission.
type DependencyDecl struct {
	PrerequisiteID uuid.UUID
	Type           txdep.Type
}

// SubmitRequest carries one operation submission.
type SubmitRequest struct {
	VaultID            uuid.UUID
	Type               Type
	Amount             int64
	IdempotencyKey     string
	Priority           int
	Metadata           map[string]string
	DestinationVaultID uuid.UUID
	Actor              string
	DependsOn          []DependencyDecl
}

func (r *SubmitRequest) normalize() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}

	if r.Type == TypeInitialize {
		return ErrInitializeViaSubmit
	}

	if r.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, r.Amount)
	}

	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrEmptyIdempotencyKey
	}

	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}

	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, r.Priority)
	}

	if r.Type == TypeTransfer {
		if r.DestinationVaultID == uuid.Nil {
			return ErrMissingDestination
		}

		if r.DestinationVaultID == r.VaultID {
			return ErrSelfTransfer
		}
	}

	if strings.TrimSpace(r.Actor) == "" {
		r.Actor = anonymousActor
	}

	return nil
}

// SubmitOperation runs the full admission and mutation pipeline:
// rate limit, idempotency, dependency check, lease, balance mutation with
// audit append, then notification fan-out. Errors propagate synchronously;
// nothing is retried internally.
func (s *Service) SubmitOperation(ctx context.Context, req SubmitRequest) (*TransactionRecord, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	admission, err := s.limiter.Allow(ctx, ratelimit.BucketKey(req.Actor, string(req.Type)), 1)
	if err != nil {
		return nil, err
	}

	if !admission.Allowed {
		return nil, fmt.Errorf("%w: reset at %s", vaultledger.ErrRateLimited,
			admission.ResetAt.Format(time.RFC3339))
	}

	fingerprint := idempotency.Fingerprint(string(req.Type), req.Amount, req.VaultID, req.DestinationVaultID)

	idem, err := s.admitter.Admit(ctx, req.VaultID, req.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, err
	}

	switch idem.Outcome {
	case idempotency.OutcomeReplay:
		if idem.Failed {
			return nil, fmt.Errorf("replayed failure: %s", idem.FailureReason)
		}

		return s.txs.Get(ctx, idem.Result)
	case idempotency.OutcomeInProgress:
		return nil, ErrSubmissionInProgress
	}

	delta, signedAmount, err := deltaFor(req.Type, req.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &TransactionRecord{
		ID:             uuid.New(),
		VaultID:        req.VaultID,
		Type:           req.Type,
		Amount:         signedAmount,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.Type == TypeTransfer {
		record.SourceVaultID = req.VaultID
		record.DestinationVaultID = req.DestinationVaultID
	}

	if err := s.txs.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create transaction record: %w", err)
	}

	for _, decl := range req.DependsOn {
		if err := s.deps.Declare(ctx, record.ID, decl.PrerequisiteID, decl.Type); err != nil {
			return nil, s.failSubmission(ctx, record, req, err)
		}

		// An edge against an already-finished prerequisite starts resolved.
		prereq, err := s.txs.Get(ctx, decl.PrerequisiteID)
		if err == nil && prereq.Status.Terminal() {
			if _, err := s.deps.Resolve(ctx, decl.PrerequisiteID); err != nil {
				s.logger.Log(ctx, log.LevelError, "resolve settled prerequisite failed",
					log.String("prerequisite_id", decl.PrerequisiteID.String()), log.Err(err))
			}
		}
	}

	decision, err := s.deps.Begin(ctx, record.ID)
	if err != nil {
		return nil, s.failSubmission(ctx, record, req, err)
	}

	if err := txdep.RequireProceed(decision); err != nil {
		return nil, s.failSubmission(ctx, record, req, err)
	}

	updated, err := s.executeUnderLease(ctx, record, req, delta)
	s.deps.Finish(record.ID)

	if err != nil {
		return nil, s.failSubmission(ctx, record, req, err)
	}

	if err := s.admitter.Complete(ctx, req.VaultID, req.IdempotencyKey, record.ID); err != nil {
		s.logger.Log(ctx, log.LevelError, "complete idempotency record failed",
			log.String("transaction_id", record.ID.String()), log.Err(err))
	}

	s.notify(ctx, submitEventType(req.Type), record, updated)

	return record.Clone(), nil
}

// executeUnderLease acquires the operation lease(s), applies the balance
// mutation with the audit entry attached to its atomic unit, and releases
// the lease on every path; success flows into the released status.
func (s *Service) executeUnderLease(ctx context.Context, record *TransactionRecord, req SubmitRequest, delta vault.Delta) (updated *vault.Vault, err error) {
	info := lease.OperationInfo{
		OperationID: record.ID,
		Type:        string(req.Type),
		Amount:      req.Amount,
		CreatedBy:   req.Actor,
	}

	var leases []*lease.Lease

	if req.Type == TypeTransfer {
		first, second, pairErr := s.locker.AcquirePair(ctx, req.VaultID, req.DestinationVaultID, info)
		if pairErr != nil {
			return nil, pairErr
		}

		leases = []*lease.Lease{first, second}
	} else {
		held, acquireErr := s.locker.Acquire(ctx, req.VaultID, info)
		if acquireErr != nil {
			return nil, acquireErr
		}

		leases = []*lease.Lease{held}
	}

	defer func() {
		for _, held := range leases {
			if releaseErr := held.Release(ctx, err == nil); releaseErr != nil && !errors.Is(releaseErr, lease.ErrLeaseNotHeld) {
				s.logger.Log(ctx, log.LevelWarn, "lease release failed",
					log.String("vault_id", held.VaultID().String()), log.Err(releaseErr))
			}
		}
	}()

	// Versions captured while the leases are verifiably live anchor the
	// optimistic check: once a lease lapses, any reclaimer mutation bumps the
	// version past the captured value, so a late write from the stalled
	// holder loses with ErrVersionConflict instead of silently committing.
	sourceVersion, err := s.vaultVersion(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}

	var destVersion int64

	if req.Type == TypeTransfer {
		if destVersion, err = s.vaultVersion(ctx, req.DestinationVaultID); err != nil {
			return nil, err
		}
	}

	if err = requireLive(leases, time.Now().UTC()); err != nil {
		return nil, err
	}

	if req.Type == TypeTransfer {
		return s.applyTransfer(ctx, record, req, sourceVersion, destVersion)
	}

	updated, err = s.vaults.ApplyMutation(ctx, req.VaultID, delta, sourceVersion,
		s.balanceAuditHook(record, req, nil))
	if err != nil {
		s.recorder.Reset()

		return nil, err
	}

	return updated, nil
}

// vaultVersion reads the current optimistic-lock version of a vault.
func (s *Service) vaultVersion(ctx context.Context, vaultID uuid.UUID) (int64, error) {
	current, err := s.vaults.Get(ctx, vaultID)
	if err != nil {
		return 0, err
	}

	return current.Version, nil
}

// requireLive rejects the mutation when any held lease already lapsed. The
// holder no longer owns the vault; a reclaimer may be mid-mutation.
func requireLive(leases []*lease.Lease, now time.Time) error {
	for _, held := range leases {
		if held.Operation.Expired(now) {
			return fmt.Errorf("%w: operation %s on vault %s",
				vaultledger.ErrLeaseExpired, held.Operation.OperationID, held.VaultID())
		}
	}

	return nil
}

// balanceAuditHook builds the mutation hook that appends the submission's
// audit entry inside the mutation's atomic unit, so with the durable stores
// the entry and the balance change commit or roll back together. For
// transfers the entry reports the source vault, passed in as reported.
func (s *Service) balanceAuditHook(record *TransactionRecord, req SubmitRequest, reported *vault.Vault) vault.MutationHook {
	return func(ctx context.Context, mutated *vault.Vault) error {
		v := reported
		if v == nil {
			v = mutated
		}

		_, err := s.recorder.Append(ctx, audit.Draft{
			EventType:     submitEventType(req.Type),
			EventCategory: audit.CategoryBalance,
			VaultID:       req.VaultID,
			TransactionID: record.ID,
			Actor:         req.Actor,
			EventData: map[string]any{
				"amount":            req.Amount,
				"destination_vault": req.DestinationVaultID,
				"total_balance":     v.TotalBalance,
				"locked_balance":    v.LockedBalance,
				"available_balance": v.AvailableBalance,
				"version":           v.Version,
			},
		})

		return err
	}
}

// applyTransfer withdraws from the source, then deposits into the
// destination with the audit entry attached to the deposit. A failed
// deposit compensates the source withdrawal so the pair nets to zero.
func (s *Service) applyTransfer(ctx context.Context, record *TransactionRecord, req SubmitRequest, sourceVersion, destVersion int64) (*vault.Vault, error) {
	source, err := s.vaults.ApplyMutation(ctx, req.VaultID,
		vault.Delta{Total: -req.Amount, Available: -req.Amount}, sourceVersion)
	if err != nil {
		return nil, fmt.Errorf("transfer source: %w", err)
	}

	_, err = s.vaults.ApplyMutation(ctx, req.DestinationVaultID,
		vault.Delta{Total: req.Amount, Available: req.Amount}, destVersion,
		s.balanceAuditHook(record, req, source))
	if err != nil {
		s.recorder.Reset()

		if _, compErr := s.vaults.ApplyMutation(ctx, req.VaultID,
			vault.Delta{Total: req.Amount, Available: req.Amount}, source.Version); compErr != nil {
			s.logger.Log(ctx, log.LevelError, "transfer compensation failed, source vault shorted",
				log.String("vault_id", req.VaultID.String()),
				log.Int64("amount", req.Amount),
				log.Err(compErr))
		}

		return nil, fmt.Errorf("transfer destination: %w", err)
	}

	return source, nil
}

// failSubmission finalizes a pending record and its idempotency key after
// a pipeline failure, then returns the original error.
func (s *Service) failSubmission(ctx context.Context, record *TransactionRecord, req SubmitRequest, cause error) error {
	if _, err := s.txs.Transition(ctx, record.ID, StatusFailed, ExternalProof{}, cause.Error()); err != nil {
		s.logger.Log(ctx, log.LevelError, "mark transaction failed errored",
			log.String("transaction_id", record.ID.String()), log.Err(err))
	}

	if err := s.admitter.Fail(ctx, req.VaultID, req.IdempotencyKey, cause.Error()); err != nil {
		s.logger.Log(ctx, log.LevelError, "fail idempotency record errored",
			log.String("transaction_id", record.ID.String()), log.Err(err))
	}

	return cause
}

// ConfirmTransaction attaches the external proof reported by the ledger
// writer, flips the record to confirmed, resolves dependency edges, and
// fans out notifications.
func (s *Service) ConfirmTransaction(ctx context.Context, txID uuid.UUID, signature string, slot uint64, blockTime time.Time) (*TransactionRecord, error) {
	proof := ExternalProof{Signature: signature, Slot: slot}
	if !blockTime.IsZero() {
		proof.BlockTime = &blockTime
	}

	return s.finishTransaction(ctx, txID, StatusConfirmed, proof, "")
}

// FailTransaction flips the record to failed with the writer's reason and
// resolves dependency edges; dependents blocked on this transaction become
// runnable either way.
func (s *Service) FailTransaction(ctx context.Context, txID uuid.UUID, reason string) (*TransactionRecord, error) {
	return s.finishTransaction(ctx, txID, StatusFailed, ExternalProof{}, reason)
}

// ExpireTransaction flips a record the writer never reported on to expired.
func (s *Service) ExpireTransaction(ctx context.Context, txID uuid.UUID) (*TransactionRecord, error) {
	return s.finishTransaction(ctx, txID, StatusExpired, ExternalProof{}, "confirmation window elapsed")
}

func (s *Service) finishTransaction(ctx context.Context, txID uuid.UUID, to Status, proof ExternalProof, reason string) (*TransactionRecord, error) {
	record, err := s.txs.Transition(ctx, txID, to, proof, reason)
	if err != nil {
		return nil, err
	}

	unblocked, err := s.deps.Resolve(ctx, txID)
	if err != nil {
		s.logger.Log(ctx, log.LevelError, "resolve dependency edges failed",
			log.String("transaction_id", txID.String()), log.Err(err))
	} else if len(unblocked) > 0 {
		s.logger.Log(ctx, log.LevelInfo, "dependents unblocked",
			log.String("transaction_id", txID.String()), log.Int("count", len(unblocked)))
	}

	eventType := EventTransactionConfirmed

	switch to {
	case StatusFailed:
		eventType = EventTransactionFailed
	case StatusExpired:
		eventType = EventTransactionExpired
	}

	s.appendAudit(ctx, audit.Draft{
		EventType:     eventType,
		EventCategory: audit.CategoryTransaction,
		VaultID:       record.VaultID,
		TransactionID: record.ID,
		EventData: map[string]any{
			"status":    string(to),
			"signature": proof.Signature,
			"slot":      proof.Slot,
			"reason":    reason,
		},
	})

	s.notify(ctx, eventType, record, nil)

	return record, nil
}

// notify enqueues webhook deliveries, mirrors onto the broker, and emits
// onto the event stream. Failures here never affect ledger state.
func (s *Service) notify(ctx context.Context, eventType string, record *TransactionRecord, updated *vault.Vault) {
	payload := map[string]any{
		"transaction_id": record.ID,
		"vault_id":       record.VaultID,
		"type":           string(record.Type),
		"amount":         record.Amount,
		"status":         string(record.Status),
	}

	if updated != nil {
		payload["total_balance"] = updated.TotalBalance
		payload["locked_balance"] = updated.LockedBalance
		payload["available_balance"] = updated.AvailableBalance
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Log(ctx, log.LevelError, "marshal event payload failed", log.Err(err))

		return
	}

	if _, err := s.webhooks.Enqueue(ctx, eventType, body); err != nil {
		s.logger.Log(ctx, log.LevelError, "enqueue webhook deliveries failed",
			log.String("event_type", eventType), log.Err(err))
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventType, body); err != nil {
			s.logger.Log(ctx, log.LevelWarn, "broker publish failed",
				log.String("event_type", eventType), log.Err(err))
		}
	}

	s.emit(Event{
		Type:          eventType,
		TransactionID: record.ID,
		VaultID:       record.VaultID,
		Payload:       payload,
		At:            time.Now().UTC(),
	})
}

// appendAudit records one chain entry outside a balance mutation (vault
// initialization and transaction lifecycle events). Balance mutations
// attach their entry through balanceAuditHook instead. A failure here is
// logged and surfaced through chain verification.
func (s *Service) appendAudit(ctx context.Context, draft audit.Draft) {
	if _, err := s.recorder.Append(ctx, draft); err != nil {
		s.logger.Log(ctx, log.LevelError, "append audit entry failed",
			log.String("event_type", draft.EventType), log.Err(err))
	}
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Log(context.Background(), log.LevelWarn, "event stream full, dropping event",
			log.String("event_type", event.Type))
	}
}

// Events exposes the real-time stream of confirmed/failed transactions
// and reconciliation discrepancies.
func (s *Service) Events() <-chan Event {
	return s.events
}

// InitializeVault creates a vault, records the initialize transaction, and
// appends the admin audit entry.
func (s *Service) InitializeVault(ctx context.Context, ownerKey, vaultAddress, tokenAccountAddress, actor string) (*vault.Vault, *TransactionRecord, error) {
	if strings.TrimSpace(ownerKey) == "" || strings.TrimSpace(vaultAddress) == "" {
		return nil, nil, errors.New("owner key and vault address are required")
	}

	if strings.TrimSpace(actor) == "" {
		actor = anonymousActor
	}

	v := vault.New(ownerKey, vaultAddress, tokenAccountAddress)
	if err := s.vaults.Create(ctx, v); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	record := &TransactionRecord{
		ID:        uuid.New(),
		VaultID:   v.ID,
		Type:      TypeInitialize,
		Status:    StatusPending,
		Priority:  DefaultPriority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.txs.Create(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("create initialize record: %w", err)
	}

	s.appendAudit(ctx, audit.Draft{
		EventType:     EventVaultInitialized,
		EventCategory: audit.CategoryAdmin,
		VaultID:       v.ID,
		TransactionID: record.ID,
		Actor:         actor,
		EventData: map[string]any{
			"owner_key":     ownerKey,
			"vault_address": vaultAddress,
		},
	})

	s.notify(ctx, EventVaultInitialized, record, v)

	return v.Clone(), record.Clone(), nil
}

// GetVault returns the vault by id.
func (s *Service) GetVault(ctx context.Context, vaultID uuid.UUID) (*vault.Vault, error) {
	return s.vaults.Get(ctx, vaultID)
}

// GetTransaction returns the transaction record by id.
func (s *Service) GetTransaction(ctx context.Context, txID uuid.UUID) (*TransactionRecord, error) {
	return s.txs.Get(ctx, txID)
}

// Health is the operational summary exposed to the transport layer.
type Health struct {
	ActiveVaults          int64 `json:"active_vaults"`
	PendingTransactions   int64 `json:"pending_transactions"`
	InconsistentSnapshots int64 `json:"inconsistent_snapshots"`
	TotalValueLocked      int64 `json:"total_value_locked"`
}

// GetVaultHealth aggregates system health figures.
func (s *Service) GetVaultHealth(ctx context.Context) (Health, error) {
	stats, err := s.vaults.Stats(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("vault stats: %w", err)
	}

	pending, err := s.txs.CountByStatus(ctx, StatusPending)
	if err != nil {
		return Health{}, fmt.Errorf("count pending transactions: %w", err)
	}

	var inconsistent int64

	if s.snapshots != nil {
		inconsistent, err = s.snapshots.CountInconsistent(ctx)
		if err != nil {
			return Health{}, fmt.Errorf("count inconsistent snapshots: %w", err)
		}
	}

	return Health{
		ActiveVaults:          stats.VaultCount,
		PendingTransactions:   pending,
		InconsistentSnapshots: inconsistent,
		TotalValueLocked:      stats.TotalValueLocked,
	}, nil
}

// RegisterWebhook registers a subscription and returns its id.
func (s *Service) RegisterWebhook(ctx context.Context, url, secret string, events []string) (uuid.UUID, error) {
	sub, err := webhook.NewSubscription(url, secret, events)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.hookRepo.CreateSubscription(ctx, sub); err != nil {
		return uuid.Nil, fmt.Errorf("create subscription: %w", err)
	}

	return sub.ID, nil
}

// ReconciliationAlertFunc bridges reconciler alerts onto the event stream
// and the webhook queue.
func (s *Service) ReconciliationAlertFunc() reconcile.AlertFunc {
	return func(ctx context.Context, alert reconcile.Alert) {
		payload := map[string]any{
			"vault_id":      alert.VaultID,
			"snapshot_id":   alert.SnapshotID,
			"discrepancies": alert.Discrepancies,
			"slot":          alert.External.Slot,
		}

		body, err := json.Marshal(payload)
		if err != nil {
			s.logger.Log(ctx, log.LevelError, "marshal reconciliation alert failed", log.Err(err))

			return
		}

		if _, err := s.webhooks.Enqueue(ctx, EventReconciliationMismatch, body); err != nil {
			s.logger.Log(ctx, log.LevelError, "enqueue reconciliation alert failed", log.Err(err))
		}

		s.emit(Event{
			Type:    EventReconciliationMismatch,
			VaultID: alert.VaultID,
			Payload: payload,
			At:      alert.RaisedAt,
		})
	}
}
