package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuth                = errors.New("user not authenticated")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("account not found")
	ErrCorruptAccount      = errors.New("invalid credit value in database")
)

// Error kinds as reported to clients and logs.
const (
	KindAuth                 = "AuthError"
	KindTransient            = "TransientError"
	KindInsufficientCredits  = "InsufficientCreditsError"
	KindVerificationMismatch = "VerificationMismatchError"
	KindValidation           = "ValidationError"
	KindNotFound             = "NotFoundError"
	KindInternal             = "InternalError"
)

// TransientError wraps a store failure that survived every retry attempt.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// VerificationMismatchError means the read-back after a deduction did not
// return the balance the write produced. The write is not rolled back;
// Actual is the value callers should resync to.
type VerificationMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("credit deduction failed verification: expected %d, got %d", e.Expected, e.Actual)
}

// ValidationError returns an ErrValidation-wrapped error for a field.
func ValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}

// IsAuth reports whether err belongs to the auth class. These are never retried.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrPermissionDenied)
}

// IsPermanent reports whether retrying err cannot change the outcome.
func IsPermanent(err error) bool {
	var mismatch *VerificationMismatchError
	switch {
	case IsAuth(err),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCorruptAccount),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &mismatch):
		return true
	}
	return false
}

// ErrorKind classifies err into the taxonomy used at the transport edges.
func ErrorKind(err error) string {
	var (
		mismatch  *VerificationMismatchError
		transient *TransientError
	)
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return KindAuth
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &mismatch):
		return KindVerificationMismatch
	case errors.As(err, &transient):
		return KindTransient
	}
	return KindInternal
}
