/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers test the category with errors.Is against the sentinels and pull
  details with errors.As against the structured types.

ERROR CATEGORIES:
  NotFound:          Referenced entity absent. Surfaced, no retry.
  InvalidTransition: Pipeline move not in the transition table. Surfaced.
  Conflict:          Idempotency or isolation violation at commit time.
                     The whole operation is retried from the top.
  Permission:        Principal lacks rights. Surfaced, no retry.
  TransientStorage:  Connectivity/lock timeout. Retried with bounded backoff.
  InvalidInput:      Malformed request values. Surfaced.

SEE ALSO:
  - retry.go: Bounded retry for Conflict and TransientStorage
  - store/sqlite: Maps driver errors onto this taxonomy
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
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrPermission        = errors.New("permission denied")
	ErrTransientStorage  = errors.New("transient storage failure")
	ErrInvalidInput      = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "referrer", "referral", ...
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError describes a rejected pipeline move.
type InvalidTransitionError struct {
	ReferralID ReferralID
	From       State
	To         State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("referral %s: cannot transition %s -> %s", e.ReferralID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError is returned when a commit would violate an idempotency key
// or when a concurrent writer changed the row first.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Key == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PermissionError names the principal and the refused action.
type PermissionError struct {
	Principal Principal
	Action    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s may not %s", e.Principal, e.Action)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// TransientStorageError wraps a storage failure that may succeed on retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() []error { return []error{ErrTransientStorage, e.Err} }

// InputError names the offending field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransientStorage)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrInvalidInput)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
