package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedMessage indicates a broker message that can never be processed
	// as delivered: undecodable JSON, failed validation, or an unknown command.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidTransition indicates a sample state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// MalformedMessageError describes why a delivery was rejected before any
// repository work started.
type MalformedMessageError struct {
	Queue  string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *MalformedMessageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed message on %s: %s: %v", e.Queue, e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed message on %s: %s", e.Queue, e.Reason)
}

// Is reports ErrMalformedMessage as a match so callers can branch on the sentinel.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// Unwrap returns the decode or validation error that caused the rejection.
func (e *MalformedMessageError) Unwrap() error {
	return e.Cause
}

// TransitionError records a refused sample state change.
type TransitionError struct {
	Reference string
	From      SampleState
	To        SampleState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("sample %s: cannot transition from %s to %s", e.Reference, e.From, e.To)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewMalformedMessageError creates a new MalformedMessageError.
func NewMalformedMessageError(queue, reason string, cause error) *MalformedMessageError {
	return &MalformedMessageError{
		Queue:  queue,
		Reason: reason,
		Cause:  cause,
	}
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(reference string, from, to SampleState) *TransitionError {
	return &TransitionError{
		Reference: reference,
		From:      from,
		To:        to,
	}
}
