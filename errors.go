package vaultledger

import "errors"

// Sentinel errors shared across the ledger subsystems. Callers match them
// with errors.Is after unwrapping; subsystems wrap them with operation
// context via fmt.Errorf("...: %w", err).
var (
	// ErrInvariantViolation is returned when a mutation would break
	// total_balance == locked_balance + available_balance.
	ErrInvariantViolation = errors.New("balance invariant violated")

	// ErrInsufficientFunds is returned when a withdraw or lock exceeds the
	// vault's available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict is returned when an optimistic version check fails,
	// typically because a reclaimed lease holder finished late.
	ErrVersionConflict = errors.New("vault version conflict")

	// ErrOverflow is returned when balance arithmetic would exceed int64 bounds.
	ErrOverflow = errors.New("balance arithmetic overflow")

	// ErrVaultNotFound is returned when the referenced vault does not exist.
	ErrVaultNotFound = errors.New("vault not found")

	// ErrVaultInactive is returned when a mutation targets a deactivated vault.
	ErrVaultInactive = errors.New("vault is not active")

	// ErrAlreadyLocked is returned when an unexpired operation lease exists
	// for the target vault.
	ErrAlreadyLocked = errors.New("vault operation already in flight")

	// ErrLeaseExpired is returned when a lease is used past its expiry.
	ErrLeaseExpired = errors.New("operation lease expired")

	// ErrConflictingReplay is returned when an idempotency key is reused with
	// a different operation fingerprint.
	ErrConflictingReplay = errors.New("idempotency key reused with different operation")

	// ErrRateLimited is returned when the token bucket denies admission.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCyclicDependency is returned when a dependency edge insertion would
	// create a cycle.
	ErrCyclicDependency = errors.New("cyclic transaction dependency")

	// ErrDependencyUnresolved is returned when a transaction's prerequisites
	// have not completed.
	ErrDependencyUnresolved = errors.New("transaction dependency unresolved")

	// ErrReconciliationMismatch signals that a local balance diverged from the
	// external authority. It is surfaced as an alert, never as a request error.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrDeliveryExhausted signals that a webhook delivery ran out of retries.
	ErrDeliveryExhausted = errors.New("webhook delivery retries exhausted")

	// ErrAuditChainBroken signals hash-chain verification failure. This is
	// fatal for chain-of-custody trust and halts reconciliation auto-actions.
	ErrAuditChainBroken = errors.New("audit hash chain broken")
)

// Response represents a business error with code, title, and message, layered
// on top of the sentinel taxonomy for transport-facing callers.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"err,omitempty"`
}

func (e Response) Error() string {
	return e.Message
}

// Unwrap exposes the underlying sentinel for errors.Is matching.
func (e Response) Unwrap() error {
	return e.Err
}

// ValidateBusinessError maps a sentinel error to its business response.
// Unknown errors pass through unchanged.
func ValidateBusinessError(err error, entityType string) error {
	type tuple struct {
		title   string
		message string
	}

	catalog := map[error]tuple{
		ErrInsufficientFunds: {
			title:   "Insufficient Funds",
			message: "The operation could not be completed due to insufficient available balance in the vault. Please review the vault balances and try again.",
		},
		ErrAlreadyLocked: {
			title:   "Concurrent Operation In Flight",
			message: "Another operation is currently mutating this vault. Please retry once the in-flight operation completes.",
		},
		ErrVersionConflict: {
			title:   "Version Conflict",
			message: "The vault was modified by a concurrent operation. Please refresh the vault state and resubmit.",
		},
		ErrConflictingReplay: {
			title:   "Conflicting Idempotency Replay",
			message: "The idempotency key was already used for a different operation. Use a fresh key for new operations.",
		},
		ErrRateLimited: {
			title:   "Rate Limit Exceeded",
			message: "Too many operations were submitted in a short window. Please wait for the limit to reset and try again.",
		},
		ErrCyclicDependency: {
			title:   "Cyclic Dependency",
			message: "The declared transaction prerequisites form a cycle and cannot be scheduled.",
		},
		ErrDependencyUnresolved: {
			title:   "Dependency Unresolved",
			message: "One or more prerequisite transactions have not completed. Please wait for them to confirm and resubmit.",
		},
		ErrOverflow: {
			title:   "Overflow Error",
			message: "The request could not be completed due to an arithmetic overflow. Please check the values and try again.",
		},
		ErrVaultNotFound: {
			title:   "Vault Not Found",
			message: "The referenced vault does not exist in our records. Please verify the vault identifier and try again.",
		},
		ErrVaultInactive: {
			title:   "Vault Inactive",
			message: "The vault has been deactivated and no longer accepts operations.",
		},
	}

	for sentinel, entry := range catalog {
		if errors.Is(err, sentinel) {
			return Response{
				EntityType: entityType,
				Code:       sentinel.Error(),
				Title:      entry.title,
				Message:    entry.message,
				Err:        sentinel,
			}
		}
	}

	return err
}
