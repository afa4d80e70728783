// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound = errors.New("entity not found")

	// Validation errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidFormat   = errors.New("invalid format")

	// Infrastructure errors
	ErrStorage     = errors.New("local storage error")
	ErrCorruptData = errors.New("corrupt stored data")
	ErrRemote      = errors.New("remote store error")

	// Authorization errors
	ErrUnauthenticated = errors.New("unauthenticated")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "plan", "sync"
	Op      string // Operation that failed, e.g., "Load", "Push"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Identity errors
var (
	ErrInvalidUserID = NewDomainError("identity", "Validate", ErrInvalidArgument, "invalid user ID")
	ErrInvalidDay    = NewDomainError("calendar", "Parse", ErrInvalidFormat, "invalid calendar day")
)

// Progress errors
var (
	ErrTopicNotFound = NewDomainError("progress", "Find", ErrNotFound, "topic not found")
	ErrInvalidStatus = NewDomainError("progress", "Validate", ErrInvalidArgument, "invalid topic status")
	ErrEmptyNote     = NewDomainError("progress", "AddNote", ErrInvalidArgument, "note is empty")
)

// Plan errors
var (
	ErrTaskNotFound = NewDomainError("plan", "Find", ErrNotFound, "task not found")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrInvalidFormat)
}

// IsInfrastructure checks if the error came from local or remote storage.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrRemote) ||
		errors.Is(err, ErrCorruptData)
}
