// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy used while negotiating an
// authenticated session with an API server.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrParse is returned when a WWW-Authenticate header is malformed.
	// Parse failures are never retried.
	ErrParse = "parse"

	// ErrConnection is returned for unexpected status codes, missing mandatory
	// headers or fields, and unsupported authentication schemes.
	ErrConnection = "connection"

	// ErrTimeout is returned when the interactive login or callback wait is exceeded.
	ErrTimeout = "timeout"

	// ErrInvalidToken is returned when a stored or provided token is absent or was rejected.
	ErrInvalidToken = "invalid_token"

	// ErrUnsupported is returned when the host platform lacks a required capability.
	ErrUnsupported = "unsupported"

	// ErrBind is returned when the loopback callback port cannot be bound.
	ErrBind = "bind"

	// ErrNotConfigured is returned when a builder receives invalid or incomplete input.
	ErrNotConfigured = "not_configured"
)

// Error represents an error raised while negotiating a session
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewParseError creates a new parse error
func NewParseError(message string, cause error) *Error {
	return NewError(ErrParse, message, cause)
}

// NewConnectionError creates a new connection error
func NewConnectionError(message string, cause error) *Error {
	return NewError(ErrConnection, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(ErrInvalidToken, message, cause)
}

// NewUnsupportedError creates a new unsupported capability error
func NewUnsupportedError(message string, cause error) *Error {
	return NewError(ErrUnsupported, message, cause)
}

// NewBindError creates a new bind error
func NewBindError(message string, cause error) *Error {
	return NewError(ErrBind, message, cause)
}

// NewNotConfiguredError creates a new not configured error
func NewNotConfiguredError(message string, cause error) *Error {
	return NewError(ErrNotConfigured, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errorType
}

// IsParse checks if the error is a parse error
func IsParse(err error) bool {
	return isType(err, ErrParse)
}

// IsConnection checks if the error is a connection error.
// Bind errors are reported as connection errors too since they abort session setup.
func IsConnection(err error) bool {
	return isType(err, ErrConnection) || isType(err, ErrBind)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsInvalidToken checks if the error is an invalid token error
func IsInvalidToken(err error) bool {
	return isType(err, ErrInvalidToken)
}

// IsUnsupported checks if the error is an unsupported capability error
func IsUnsupported(err error) bool {
	return isType(err, ErrUnsupported)
}

// IsBind checks if the error is a bind error
func IsBind(err error) bool {
	return isType(err, ErrBind)
}

// IsNotConfigured checks if the error is a not configured error
func IsNotConfigured(err error) bool {
	return isType(err, ErrNotConfigured)
}

// AuthenticationWarning is a non-fatal advisory raised when negotiation succeeds
// in a way the caller did not ask for, such as anonymous access despite credentials.
type AuthenticationWarning struct {
	Message string
}

// Error implements the error interface so warnings can be logged and wrapped like errors.
func (w *AuthenticationWarning) Error() string {
	return w.Message
}

// NewAuthenticationWarning creates a new authentication warning
func NewAuthenticationWarning(message string) *AuthenticationWarning {
	return &AuthenticationWarning{Message: message}
}
