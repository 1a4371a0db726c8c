/*
errors.go - Centralized error types for the points ledger

ERROR CATEGORIES:
  1. Business errors - expected outcomes reported to the caller
     (insufficient balance, invalid points, snapshot not found)
  2. Infrastructure errors - the atomic procedure is missing, the store is
     unreachable. The writer falls back or reports a retryable failure.
  3. Schema errors - an optional column is absent. The writer retries
     without the field; never user-facing.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) { ... }

  var ib *ledger.InsufficientBalanceError
  if errors.As(err, &ib) { fmt.Println(ib.Available) }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPoints is returned for a zero or negative point amount.
	ErrInvalidPoints = errors.New("points must be greater than zero")

	// ErrInvalidTransactionType is returned when a credit uses a debit type or an unknown type.
	ErrInvalidTransactionType = errors.New("invalid transaction type")

	// ErrStudentNotFound is returned when the student has no roster row in the site.
	ErrStudentNotFound = errors.New("student not found")

	// ErrSnapshotNotFound is returned when the snapshot id is unknown for the site.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidSnapshotName is returned when a backup is created without a name.
	ErrInvalidSnapshotName = errors.New("snapshot name is required")

	// ErrTransactionNotFound is returned by a compensating delete that finds nothing.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateAward is returned when the store already holds a grant of the
	// same type for the same award period.
	ErrDuplicateAward = errors.New("award already granted for period")

	// ErrDuplicateAccessEvent is returned when an access event id was already
	// recorded. A replayed scan must not count twice toward the monthly bonus.
	ErrDuplicateAccessEvent = errors.New("access event already recorded")

	// ErrAtomicUnavailable is returned when the store has no atomic
	// insert-and-update procedure. The writer falls back to the two-step path.
	ErrAtomicUnavailable = errors.New("atomic balance procedure unavailable")

	// ErrOptionalColumn is returned when a write referenced a column the
	// schema does not have. The writer retries without the optional field.
	ErrOptionalColumn = errors.New("optional column not present in schema")

	// ErrBalanceUpdateFailed is returned when the two-step path inserted the
	// transaction but could not update the balance.
	ErrBalanceUpdateFailed = errors.New("balance update failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a rejected debit.
type InsufficientBalanceError struct {
	StudentID StudentID
	Available int
	Requested int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.StudentID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// CompensationError reports a two-step write whose compensating delete also
// failed. The ledger now holds a row the balance does not reflect; only
// reconciliation repairs it.
type CompensationError struct {
	TransactionID TransactionID
	Cause         error
	DeleteErr     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensating delete of %s failed: %v (original: %v)",
		e.TransactionID, e.DeleteErr, e.Cause)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrBalanceUpdateFailed, e.Cause, e.DeleteErr}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or an expected business outcome.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidPoints) ||
		errors.Is(err, ErrInvalidTransactionType) ||
		errors.Is(err, ErrInvalidSnapshotName) ||
		errors.Is(err, ErrDuplicateAward) ||
		errors.Is(err, ErrDuplicateAccessEvent)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsRetryable returns true for infrastructure failures a caller may retry.
func IsRetryable(err error) bool {
	return err != nil && !IsClientError(err) && !IsNotFound(err)
}

// ErrorCode maps an error to the short code reported in per-item results.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidPoints):
		return "invalid_points"
	case errors.Is(err, ErrInvalidTransactionType):
		return "invalid_type"
	case errors.Is(err, ErrStudentNotFound):
		return "student_not_found"
	case errors.Is(err, ErrSnapshotNotFound):
		return "snapshot_not_found"
	case errors.Is(err, ErrDuplicateAward):
		return "duplicate_award"
	default:
		return "internal"
	}
}
