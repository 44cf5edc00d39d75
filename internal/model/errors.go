package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotAllowed     = errors.New("not allowed")
	ErrAlreadyHandled = errors.New("already handled")
	ErrNotFound       = errors.New("not found")
)

// ValidationError reports a violated input invariant. Its message is safe to
// show to the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError means the actor may not perform the operation. Detail
// is for logs only; Error never exposes it.
type AuthorizationError struct {
	Detail string
}

func (e *AuthorizationError) Error() string { return ErrNotAllowed.Error() }

func (e *AuthorizationError) Is(target error) bool { return target == ErrNotAllowed }

func NotAllowed(format string, args ...any) error {
	return &AuthorizationError{Detail: fmt.Sprintf(format, args...)}
}

// ConflictError means the entity is no longer in the state the caller expected.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string { return ErrAlreadyHandled.Error() }

func (e *ConflictError) Is(target error) bool { return target == ErrAlreadyHandled }

func Conflict(format string, args ...any) error {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Detail returns the log-only detail of authorization and conflict errors,
// or the error text otherwise.
func Detail(err error) string {
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return ae.Detail
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
