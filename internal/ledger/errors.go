package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the ledger error taxonomy. Handlers map these to
// stable external error codes; engines wrap them with context via %w.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrMissingAddress      = errors.New("owner has no chain address configured")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNoEligibleCredits   = errors.New("no eligible credits")
	ErrCreditRetired       = errors.New("credit is retired")
	ErrOracleFailure       = errors.New("oracle call failed")
	ErrOracleTimeout       = errors.New("oracle call timed out")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	ErrInvariantViolation  = errors.New("ledger invariant violated")
)

// ErrorCode returns the stable external code for an error from the ledger
// taxonomy, or "INTERNAL" for anything else. No internal detail leaks beyond
// the code and the top-level message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrRecipientNotFound):
		return "RECIPIENT_NOT_FOUND"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrMissingAddress):
		return "MISSING_ADDRESS"
	case errors.Is(err, ErrInsufficientCredits):
		return "INSUFFICIENT_CREDITS"
	case errors.Is(err, ErrNoEligibleCredits):
		return "NO_ELIGIBLE_CREDITS"
	case errors.Is(err, ErrCreditRetired):
		return "CREDIT_RETIRED"
	case errors.Is(err, ErrOracleTimeout):
		return "ORACLE_TIMEOUT"
	case errors.Is(err, ErrOracleFailure):
		return "ORACLE_FAILURE"
	case errors.Is(err, ErrConcurrencyConflict):
		return "CONCURRENCY_CONFLICT"
	case errors.Is(err, ErrInvariantViolation):
		return "INVARIANT_VIOLATION"
	default:
		return "INTERNAL"
	}
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
