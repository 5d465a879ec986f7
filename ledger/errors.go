/*
errors.go - Error taxonomy for the click ledger and everything built on it

ERROR CATEGORIES:
  ValidationError         malformed input                         -> 400
  NotFoundError           unknown click / account / product       -> 404
  ExpiredAttributionError purchase outside the attribution window -> 400
  AlreadyConvertedError   duplicate conversion attempt            -> 409
  InternalError           storage or unexpected failure           -> 500

USAGE:
  Callers match on the sentinels with errors.Is and pull context out of the
  structured types with errors.As:

    if errors.Is(err, ledger.ErrAlreadyConverted) { ... }

    var exp *ledger.ExpiredAttributionError
    if errors.As(err, &exp) { log exp.ExpiresAt }

  InternalError keeps the underlying cause for logs. It is never rendered to
  API callers.
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrExpiredAttribution = errors.New("attribution window expired")
	ErrAlreadyConverted   = errors.New("click already converted")
	ErrInternal           = errors.New("internal error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string // "click", "account", "product"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ExpiredAttributionError struct {
	ClickID   ClickID
	ExpiresAt time.Time
	At        time.Time
}

func (e *ExpiredAttributionError) Error() string {
	return fmt.Sprintf("click %s expired at %s (purchase at %s)",
		e.ClickID, e.ExpiresAt.Format(time.RFC3339), e.At.Format(time.RFC3339))
}

func (e *ExpiredAttributionError) Unwrap() error { return ErrExpiredAttribution }

type AlreadyConvertedError struct {
	ClickID     ClickID
	PurchasedAt *time.Time
}

func (e *AlreadyConvertedError) Error() string {
	return fmt.Sprintf("click %s already converted", e.ClickID)
}

func (e *AlreadyConvertedError) Unwrap() error { return ErrAlreadyConverted }

// InternalError wraps a storage failure with the operation that hit it.
type InternalError struct {
	Op      string
	ClickID ClickID
	Err     error
}

func (e *InternalError) Error() string {
	if e.ClickID != "" {
		return fmt.Sprintf("%s (click %s): %v", e.Op, e.ClickID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool { return target == ErrInternal }

func internal(op string, id ClickID, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Op: op, ClickID: id, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input or
// by the current state of the click, and is safe to show to the caller.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpiredAttribution) ||
		errors.Is(err, ErrAlreadyConverted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
