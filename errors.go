package chatfu

import (
	"fmt"

	"github.com/ccbrown/chat-fu/model"
)

// SanitizedError is implemented by every error returned to the presentation layer. The sanitized
// message is safe to display to users.
type SanitizedError interface {
	error
	SanitizedError() string
}

// ValidationError indicates malformed input, such as a channel name with no usable characters.
type ValidationError struct {
	message string
}

func (e *ValidationError) Error() string {
	return e.message
}

func (e *ValidationError) SanitizedError() string {
	return e.Error()
}

func validationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		message: fmt.Sprintf(format, args...),
	}
}

// ConflictError indicates that the store rejected a write due to a uniqueness violation.
type ConflictError struct {
	message string
	cause   error
}

func (e *ConflictError) Error() string {
	return e.message
}

func (e *ConflictError) SanitizedError() string {
	return e.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.cause
}

// AuthorizationError indicates that the caller isn't allowed to perform the operation. These
// checks are made against cached state and are a convenience only. The store is expected to
// enforce them independently.
type AuthorizationError struct {
	message string
}

func (e *AuthorizationError) Error() string {
	return e.message
}

func (e *AuthorizationError) SanitizedError() string {
	return e.Error()
}

func authorizationError(message string) *AuthorizationError {
	return &AuthorizationError{
		message: message,
	}
}

// NotFoundError indicates that the referenced entity isn't present in local state.
type NotFoundError struct {
	Kind string
	Id   model.Id
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v %v not found", e.Kind, e.Id)
}

func (e *NotFoundError) SanitizedError() string {
	return fmt.Sprintf("That %v no longer exists.", e.Kind)
}

// OperationError wraps an opaque store failure.
type OperationError struct {
	message string
	cause   error
}

func (e *OperationError) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *OperationError) SanitizedError() string {
	return e.message
}

func (e *OperationError) Unwrap() error {
	return e.cause
}

func operationError(message string, cause error) *OperationError {
	return &OperationError{
		message: message,
		cause:   cause,
	}
}

// SchemaNotReadyError indicates that a table hasn't been provisioned. Features backed by optional
// tables treat it as an empty state instead of returning it.
type SchemaNotReadyError struct {
	Table string
	cause error
}

func (e *SchemaNotReadyError) Error() string {
	return fmt.Sprintf("the %v table does not exist", e.Table)
}

func (e *SchemaNotReadyError) SanitizedError() string {
	return "This feature is not available yet."
}

func (e *SchemaNotReadyError) Unwrap() error {
	return e.cause
}
