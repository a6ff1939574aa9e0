package taskpay

import (
	"errors"
	"fmt"
)

// SettlementError is a tagged settlement failure. Kind carries the
// machine-readable classification; callers must branch on Kind, never on
// the message text. Resumable marks failures that leave ledger state which
// can be picked up again with the same commitment hash.
type SettlementError struct {
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message"`
	Resumable bool                   `json:"resumable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Error kinds.
const (
	KindIdempotencyViolation = "idempotency_violation"
	KindPermissionError      = "permission_error"
	KindRangeError           = "range_error"
	KindVerificationTimeout  = "verification_timeout"
	KindTransactionFailure   = "transaction_failure"
	KindNetworkError         = "network_error"
)

// NewSettlementError creates a new settlement error.
func NewSettlementError(kind, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Kind:    kind,
		Message: message,
		Details: details,
	}
}

// NewResumableError creates a settlement error for failures past the guard
// phases, where re-entering the flow with the same hash is safe.
func NewResumableError(kind, message string, details map[string]interface{}) *SettlementError {
	return &SettlementError{
		Kind:      kind,
		Message:   message,
		Resumable: true,
		Details:   details,
	}
}

// AsSettlementError unwraps err into a *SettlementError if possible.
func AsSettlementError(err error) (*SettlementError, bool) {
	var se *SettlementError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the error kind, or "" for non-settlement errors.
func KindOf(err error) string {
	if se, ok := AsSettlementError(err); ok {
		return se.Kind
	}
	return ""
}
