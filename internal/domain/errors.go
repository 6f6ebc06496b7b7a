package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
// on the next job cycle.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// RejectReason is the typed code returned for a rejected order.
type RejectReason string

const (
	RejectInvalidAmount       RejectReason = "invalid_amount"
	RejectWrongPhase          RejectReason = "wrong_phase"
	RejectDuplicatePosition   RejectReason = "duplicate_position"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectAutoStakeActive     RejectReason = "auto_stake_active"
)

// OrderRejectedError is a synchronous order rejection. No state changes
// when one is returned.
type OrderRejectedError struct {
	Reason RejectReason
}

func (e *OrderRejectedError) Error() string {
	return "order rejected: " + string(e.Reason)
}

func (e *OrderRejectedError) Is(target error) bool {
	t, ok := target.(*OrderRejectedError)
	return ok && t.Reason == e.Reason
}

var (
	ErrInvalidAmount       = &OrderRejectedError{Reason: RejectInvalidAmount}
	ErrWrongPhase          = &OrderRejectedError{Reason: RejectWrongPhase}
	ErrDuplicatePosition   = &OrderRejectedError{Reason: RejectDuplicatePosition}
	ErrInsufficientBalance = &OrderRejectedError{Reason: RejectInsufficientBalance}
	ErrAutoStakeActive     = &OrderRejectedError{Reason: RejectAutoStakeActive}
)

// RejectReasonOf extracts the rejection code from an error chain.
func RejectReasonOf(err error) (RejectReason, bool) {
	var oe *OrderRejectedError
	if errors.As(err, &oe) {
		return oe.Reason, true
	}
	return "", false
}

// ChainError represents an external contract call failure. Usually
// retriable; the affected batch rows are requeued rather than dropped.
type ChainError struct {
	Op        string // "withdraw", "distribute", "receipt"
	TxHash    string // empty when the call never produced a transaction
	Err       error
	Retriable bool
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return "chain " + e.Op + " (" + e.TxHash + "): " + e.Err.Error()
	}
	return "chain " + e.Op + ": " + e.Err.Error()
}

func (e *ChainError) IsRetriable() bool {
	return e.Retriable
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewChainError creates a retriable chain error.
func NewChainError(op, txHash string, err error) *ChainError {
	return &ChainError{Op: op, TxHash: txHash, Err: err, Retriable: true}
}

var (
	// ErrReceiptReverted is returned when an awaited receipt reports failure.
	ErrReceiptReverted = errors.New("transaction reverted")

	// ErrUnknownMarket is returned for a symbol with no registered market.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrAccountNotFound is returned when an address has no account row.
	ErrAccountNotFound = errors.New("account not found")
)
