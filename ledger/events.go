package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Event types published on the service event stream and through the
// webhook queue.
const (
	EventTransactionConfirmed    = "transaction.confirmed"
	EventTransactionFailed       = "transaction.failed"
	EventTransactionExpired      = "transaction.expired"
	EventVaultDeposited          = "vault.deposited"
	EventVaultWithdrawn          = "vault.withdrawn"
	EventVaultLocked             = "vault.locked"
	EventVaultUnlocked           = "vault.unlocked"
	EventVaultTransferred        = "vault.transferred"
	EventVaultInitialized        = "vault.initialized"
	EventReconciliationMismatch  = "reconciliation.mismatch"
	EventDeliveryExhaustedSignal = "webhook.delivery_exhausted"
)

// Event is one entry on the real-time stream the transport layer pushes
// to clients.
type Event struct {
	Type          string    `json:"type"`
	TransactionID uuid.UUID `json:"transaction_id,omitempty"`
	VaultID       uuid.UUID `json:"vault_id,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	At            time.Time `json:"at"`
}

// submitEventType maps an operation type to its notification event.
func submitEventType(opType Type) string {
	switch opType {
	case TypeDeposit:
		return EventVaultDeposited
	case TypeWithdraw:
		return EventVaultWithdrawn
	case TypeLock:
		return EventVaultLocked
	case TypeUnlock:
		return EventVaultUnlocked
	case TypeTransfer:
		return EventVaultTransferred
	case TypeInitialize:
		return EventVaultInitialized
	default:
		return ""
	}
}
