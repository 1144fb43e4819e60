package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
	ErrOutputRequired    = errors.New("output payload required")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")
	ErrOwnerNotTeam      = errors.New("project-bound resources require a team owner")
	ErrInternal          = errors.New("internal error")
	ErrInvitationExpired = errors.New("invitation already expired")
)

// LimitExceededError is the conflict raised when an owner is at their
// concurrency ceiling. The message names the observed count and the limit.
type LimitExceededError struct {
	Active int
	Limit  int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%d active (max %d)", e.Active, e.Limit)
}

// ValidationError wraps malformed-input failures so the HTTP layer can map
// them to 400 without string matching.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError wraps state conflicts (invalid transitions, limits,
// uniqueness violations) for a 409 mapping.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return e.Err.Error() }

func (e *ConflictError) Unwrap() error { return e.Err }

// Conflict wraps err as a ConflictError, preserving nil.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &ConflictError{Err: err}
}

// Invalid wraps err as a ValidationError, preserving nil.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

// IsConflict reports whether err is conflict-class.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsValidation reports whether err is validation-class.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
