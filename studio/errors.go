/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place. Operations return these as values; a
  business-rule failure is a typed result, never a panic.

ERROR CATEGORIES:
  1. Validation errors - malformed input, no state change
  2. Not-found errors - class, booking, package, template or account absent
  3. Business rule violations - capacity, duplicates, overdraft, lifecycle
  4. Transient store errors - retryable by the caller; the engine never retries

USAGE:
  res, err := engine.Reserve(ctx, req)
  var warn *studio.OverdraftWarningError
  if errors.As(err, &warn) {
      // ask the user to confirm, then resubmit with ConfirmOverdraft
  }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package studio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrClassNotFound    = errors.New("class not found")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrPackageNotFound  = errors.New("package not found")
	ErrTemplateNotFound = errors.New("package template not found")
	ErrAccountNotFound  = errors.New("credit account not found")
)

var (
	// ErrInvalidOccurrence is returned when a date is not a bookable
	// occurrence of the class (wrong weekday, out of range, or cancelled).
	ErrInvalidOccurrence = errors.New("invalid occurrence")

	ErrClassFull     = errors.New("class is full")
	ErrClassCanceled = errors.New("class is cancelled")
	ErrAlreadyBooked = errors.New("already booked")

	// ErrOverdraftWarning asks the caller to confirm booking on a balance <= 0.
	ErrOverdraftWarning = errors.New("overdraft confirmation required")

	// ErrMaxOverdraftReached is the self-service refusal at the overdraft floor.
	ErrMaxOverdraftReached = errors.New("maximum overdraft reached")

	// ErrOverdraftExceeded is returned by Deduct when the floor would be crossed.
	ErrOverdraftExceeded = errors.New("overdraft exceeded")

	ErrAlreadyCancelled     = errors.New("booking already cancelled")
	ErrBookingNotCancelable = errors.New("booking is closed and cannot be cancelled")

	ErrNotExpired = errors.New("package is not expired")
	ErrNotActive  = errors.New("package is not active")

	// ErrConcurrentModification is returned when the store aborted a
	// transaction because of a conflicting writer. Callers may retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OverdraftWarningError is the first phase of the two-phase overdraft
// confirmation. Nothing was written.
type OverdraftWarningError struct {
	CurrentBalance int
	WouldBeBalance int
}

func (e *OverdraftWarningError) Error() string {
	return fmt.Sprintf("overdraft confirmation required: balance %d would become %d",
		e.CurrentBalance, e.WouldBeBalance)
}

func (e *OverdraftWarningError) Unwrap() error { return ErrOverdraftWarning }

// ClassFullError reports the capacity that was hit.
type ClassFullError struct {
	ClassID  ClassID
	Capacity int
}

func (e *ClassFullError) Error() string {
	return fmt.Sprintf("class %s is full (capacity %d)", e.ClassID, e.Capacity)
}

func (e *ClassFullError) Unwrap() error { return ErrClassFull }

// ValidationError captures field level issues with the caller's input.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + ": " + v.FieldErrors[f]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationError) Add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func invalid(field, message string) error {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsValidation returns true for malformed input.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClassNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsBusinessRule returns true for rule violations the caller must handle.
func IsBusinessRule(err error) bool {
	for _, target := range []error{
		ErrInvalidOccurrence, ErrClassFull, ErrClassCanceled, ErrAlreadyBooked,
		ErrOverdraftWarning, ErrMaxOverdraftReached, ErrOverdraftExceeded,
		ErrAlreadyCancelled, ErrBookingNotCancelable, ErrNotExpired, ErrNotActive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsBusinessRule(err)
}
