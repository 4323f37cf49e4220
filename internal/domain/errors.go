// Package domain defines core types, interfaces, and errors for document access control.
package domain

import (
	"errors"
	"fmt"
)

// Error codes carried by access-control errors. Transports surface them to
// clients so a denial can be told apart from a resync request.
const (
	CodeAccessDenied   = "ACL_DENY"
	CodeReloadRequired = "NEED_RELOAD"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates a fatal capability check failed.
type AccessDeniedError struct {
	Message string
	// Permission is the capability that was denied (read, create, ...), if known.
	Permission string
	// RuleType is the scope of the rule set that produced the denial: doc, table or column.
	RuleType string
	// Memos are the memo texts of the rules responsible for the denial.
	Memos []string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// Code returns the wire code for the error.
func (e *AccessDeniedError) Code() string { return CodeAccessDenied }

// ReloadRequiredError signals that incremental filtering cannot represent a
// change and the session must resynchronize from scratch.
type ReloadRequiredError struct {
	Message string
}

func (e *ReloadRequiredError) Error() string { return e.Message }

// Code returns the wire code for the error.
func (e *ReloadRequiredError) Code() string { return CodeReloadRequired }

// RuleDefinitionError indicates that a bundle would leave the access rules
// uncompilable or referring to missing tables or columns.
type RuleDefinitionError struct {
	Message string
}

func (e *RuleDefinitionError) Error() string { return e.Message }

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

// Invariant violations. These indicate a programming error in the caller
// and are not meant to be translated into user-facing signals.
var (
	ErrBundleInProgress = errors.New("cannot start a bundle while one is already in progress")
	ErrNoActiveBundle   = errors.New("no active bundle")
	ErrBundleNotApplied = errors.New("bundle has not been applied")
	ErrForkedSession    = errors.New("should never modify a prefork")
)

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrReloadRequired creates a ReloadRequiredError with a formatted message.
func ErrReloadRequired(format string, args ...interface{}) *ReloadRequiredError {
	return &ReloadRequiredError{Message: fmt.Sprintf(format, args...)}
}

// ErrRuleDefinition creates a RuleDefinitionError with a formatted message.
func ErrRuleDefinition(format string, args ...interface{}) *RuleDefinitionError {
	return &RuleDefinitionError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsAccessDenied reports whether err is, or wraps, an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var target *AccessDeniedError
	return errors.As(err, &target)
}

// IsReloadRequired reports whether err is, or wraps, a ReloadRequiredError.
func IsReloadRequired(err error) bool {
	var target *ReloadRequiredError
	return errors.As(err, &target)
}
