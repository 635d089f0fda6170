// ABOUTME: Typed error taxonomy shared by the registry, executor and HTTP layer
// ABOUTME: Maps validation, not-found, unauthorized and execution failures

package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request or a missing required field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Field + " is required"
}

// NotFoundError reports an unknown agent or job id.
type NotFoundError struct {
	Kind string // "agent" or "job"
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// UnauthorizedError reports a missing or wrong credential.
type UnauthorizedError struct {
	Msg string
}

func (e *UnauthorizedError) Error() string {
	if e.Msg == "" {
		return "unauthorized"
	}
	return e.Msg
}

// ExecutionError is returned by a job handler when the job itself fails.
// It is recorded on the job, never surfaced as an HTTP error.
type ExecutionError struct {
	Msg string
}

func (e *ExecutionError) Error() string {
	return e.Msg
}

// Validation returns a ValidationError for a missing field.
func Validation(field string) error {
	return &ValidationError{Field: field}
}

// Validationf returns a ValidationError with a formatted message.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Unauthorized returns an UnauthorizedError.
func Unauthorized(msg string) error {
	return &UnauthorizedError{Msg: msg}
}

// Execution returns an ExecutionError.
func Execution(msg string) error {
	return &ExecutionError{Msg: msg}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsUnauthorized reports whether err wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var u *UnauthorizedError
	return errors.As(err, &u)
}

// IsExecution reports whether err wraps an ExecutionError.
func IsExecution(err error) bool {
	var x *ExecutionError
	return errors.As(err, &x)
}
