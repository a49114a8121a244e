package escrow

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure returned by the engine wraps exactly one of
// these sentinels so callers can branch with errors.Is while the message
// carries the escrow id, attempted operation and current status.
var (
	// ErrNotFound marks an unknown escrow, condition or template identifier.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation that is illegal from the current
	// escrow or condition status. The record is left untouched.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation marks malformed input: non-positive amounts, milestone
	// sums that miss the total, a refund with no payer party.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks approval attempts by roles outside the required
	// set, or duplicate approvals.
	ErrUnauthorized = errors.New("unauthorized")
)

// Invalid builds a validation error for malformed caller input. Transports
// use it when request decoding fails before an engine operation runs.
func Invalid(format string, args ...any) error {
	return validationErr(format, args...)
}

func notFoundErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func stateErr(id string, op string, status Status) error {
	return fmt.Errorf("%w: escrow %s: cannot %s in status %q", ErrInvalidState, id, op, status)
}

func conditionStateErr(escrowID, conditionID string, op string, status ConditionStatus) error {
	return fmt.Errorf("%w: escrow %s: condition %s: cannot %s in status %q", ErrInvalidState, escrowID, conditionID, op, status)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func unauthorizedErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}
