// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wferr defines the error taxonomy surfaced by the workflow core.
// Every error carries a stable machine-readable code plus a human message,
// so callers (and the HTTP layer) can branch on Kind without string matching.
package wferr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories callers can
// distinguish.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindValidation             Kind = "validation"
	KindBusinessRule           Kind = "business_rule"
	KindPermissionDenied       Kind = "permission_denied"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindCondition              Kind = "condition_error"
	KindUnreserved             Kind = "unreserved"
	KindConflict               Kind = "conflict"
	KindTimeout                Kind = "timeout"
	KindExternalUnavailable    Kind = "external_unavailable"
	KindCancelled              Kind = "cancelled"
)

// FieldError describes a single invalid field or path in a Validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the concrete error type for all taxonomy errors.
type Error struct {
	Kind    Kind         `json:"kind"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithField appends a field error (Validation errors only by convention).
func (e *Error) WithField(field, message string) *Error {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// New creates a taxonomy error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return New(KindNotFound, "not_found", "%s %q not found", entity, id)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, "validation_failed", format, args...)
}

func BusinessRule(code, format string, args ...any) *Error {
	return New(KindBusinessRule, code, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, "permission_denied", format, args...)
}

func InvalidStateTransition(from, to string) *Error {
	return New(KindInvalidStateTransition, "invalid_state_transition",
		"transition %s -> %s is not allowed", from, to)
}

func Condition(format string, args ...any) *Error {
	return New(KindCondition, "condition_error", format, args...)
}

func Unreserved(format string, args ...any) *Error {
	return New(KindUnreserved, "unreserved", format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, "conflict", format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, "timeout", format, args...)
}

func ExternalUnavailable(format string, args ...any) *Error {
	return New(KindExternalUnavailable, "external_unavailable", format, args...)
}

func Cancelled(format string, args ...any) *Error {
	return New(KindCancelled, "cancelled", format, args...)
}

// KindOf extracts the Kind of err, or "" when err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
