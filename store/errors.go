package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/fieldops/fault"
)

var (
	// ErrNotFound is returned when no record exists at a key.
	ErrNotFound = fmt.Errorf("store: item %w", fault.ErrNotFound)

	// ErrConditionFailed is returned when a conditional write's predicate
	// does not hold.
	ErrConditionFailed = errors.New("store: conditional check failed")

	// ErrTooManyItems is returned when a transaction exceeds the configured cap.
	ErrTooManyItems = errors.New("store: too many items in transaction")
)

// Cancellation reason codes, as reported by DynamoDB.
const (
	ReasonNone            = "None"
	ReasonConditionFailed = "ConditionalCheckFailed"
	ReasonConflict        = "TransactionConflict"
	ReasonThrottled       = "ThrottlingError"
)

// TxCanceledError reports why a TransactWrite was rejected. Reasons holds one
// code per operation, in order; ReasonNone marks operations that were fine.
// None of the operations are applied.
type TxCanceledError struct {
	Reasons []string
}

func (e *TxCanceledError) Error() string {
	return "store: transaction cancelled [" + strings.Join(e.Reasons, ", ") + "]"
}

// FailedAt returns the index of the first operation whose condition failed,
// or -1 if the cancellation was not caused by a condition.
func (e *TxCanceledError) FailedAt() int {
	for i, r := range e.Reasons {
		if r == ReasonConditionFailed {
			return i
		}
	}
	return -1
}

// Is matches ErrConditionFailed when a condition caused the cancellation,
// and fault.ErrTransactionAborted otherwise (transient, retryable).
func (e *TxCanceledError) Is(target error) bool {
	if target == ErrConditionFailed {
		return e.FailedAt() >= 0
	}
	if target == fault.ErrTransactionAborted {
		return e.FailedAt() < 0
	}
	return false
}
