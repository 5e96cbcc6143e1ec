// Package domain defines core types, interfaces, and errors for the de-identification core.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// InvalidPlanError is returned when a plan mutation would break a plan
// invariant, such as dropping a primary key column.
type InvalidPlanError struct {
	Column  ColumnRef
	Message string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan for %s: %s", e.Column, e.Message)
}

// DependencyError indicates that a required collaborator (mapping server,
// vault, destination) is missing or lacks a required capability.
type DependencyError struct {
	Capability string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %q unavailable: %v", e.Capability, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// MappingGapError is raised when a non-null value has no token after a
// resolve call. The value itself is deliberately not part of the message.
type MappingGapError struct {
	Store  string
	Column string
}

func (e *MappingGapError) Error() string {
	return fmt.Sprintf("mapping gap: store %q returned no token for a value of column %q", e.Store, e.Column)
}

// MergeConflictError is raised when vault staging rows cannot be merged
// without losing data, e.g. two rows in one batch share a primary key but
// disagree on the dumped values.
type MergeConflictError struct {
	Table   string
	Message string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("vault merge conflict on %q: %s", e.Table, e.Message)
}

// TransientError wraps a driver I/O failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// IsRuntimeIntegrity reports whether err is a fatal integrity failure
// detected while executing a migration.
func IsRuntimeIntegrity(err error) bool {
	var gap *MappingGapError
	var conflict *MergeConflictError
	return errors.As(err, &gap) || errors.As(err, &conflict)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}
