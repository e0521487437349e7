package library

import (
	"errors"
	"fmt"
)

// Precondition failures. Callers match them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrNotAvailable       = errors.New("book not available for borrowing")
	ErrAlreadyReturned    = errors.New("borrowing record already returned")
	ErrBookOnLoan         = errors.New("book has copies on loan")
	ErrReservationClosed  = errors.New("reservation already fulfilled or cancelled")
	ErrNotAuthorized      = errors.New("phone number not authorized for admin access")
	ErrSetupComplete      = errors.New("admin account setup already completed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session missing or expired")
)

// ErrInconsistentState marks a ledger/counter disagreement, e.g. returning a
// copy of a book whose shelf is already full.
var ErrInconsistentState = errors.New("inconsistent availability state")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
