package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the authentication core. Callers match with Is/As; the HTTP
// layer maps each class onto a status code.
var (
	// ErrValidation marks malformed input (missing fields, oversized values).
	ErrValidation = errors.New("validation error")
	// ErrRejected is the single, generic authentication failure. It never says
	// which factor failed or whether the account exists.
	ErrRejected = errors.New("authentication rejected")
	// ErrLocked is returned while an account lockout is in force.
	ErrLocked = errors.New("account locked")
	// ErrRateLimited is returned when an MFA challenge is requested too soon.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient marks a backing store timeout or outage.
	ErrTransient = errors.New("transient store error")

	// Store-level errors, consumed by the decision logic and never surfaced directly.
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
)

// RetryAfterError carries a retry hint for ErrLocked and ErrRateLimited.
type RetryAfterError struct {
	Kind       error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s: retry after %s", e.Kind, e.RetryAfter.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Kind
}

// Locked returns an ErrLocked with a retry hint.
func Locked(retryAfter time.Duration) error {
	return &RetryAfterError{Kind: ErrLocked, RetryAfter: clampRetry(retryAfter)}
}

// RateLimited returns an ErrRateLimited with a retry hint.
func RateLimited(retryAfter time.Duration) error {
	return &RetryAfterError{Kind: ErrRateLimited, RetryAfter: clampRetry(retryAfter)}
}

// ValidationError is an ErrValidation with a message safe to show the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validation returns a *ValidationError.
func Validation(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as an ErrTransient, keeping the cause in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter, true
	}
	return 0, false
}

func clampRetry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// New is errors.New, re-exported so callers only import this package.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
