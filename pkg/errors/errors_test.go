// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrConnection,
				Message: "unable to connect with credentials",
				Cause:   errors.New("underlying error"),
			},
			want: "connection: unable to connect with credentials: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrTimeout,
				Message: "login not completed",
			},
			want: "timeout: login not completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("underlying error")
	err := NewInvalidTokenError("refresh token was invalid", cause)

	assert.Same(t, cause, err.Unwrap())
	assert.Nil(t, NewParseError("bad header", nil).Unwrap())
}

func TestPredicates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"parse", NewParseError("x", nil), IsParse, true},
		{"connection", NewConnectionError("x", nil), IsConnection, true},
		{"bind is connection", NewBindError("x", nil), IsConnection, true},
		{"bind", NewBindError("x", nil), IsBind, true},
		{"connection is not bind", NewConnectionError("x", nil), IsBind, false},
		{"timeout", NewTimeoutError("x", nil), IsTimeout, true},
		{"invalid token", NewInvalidTokenError("x", nil), IsInvalidToken, true},
		{"unsupported", NewUnsupportedError("x", nil), IsUnsupported, true},
		{"not configured", NewNotConfiguredError("x", nil), IsNotConfigured, true},
		{"wrapped", fmt.Errorf("outer: %w", NewTimeoutError("x", nil)), IsTimeout, true},
		{"plain error", errors.New("x"), IsParse, false},
		{"nil", nil, IsConnection, false},
		{"wrong type", NewParseError("x", nil), IsTimeout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestAuthenticationWarning(t *testing.T) {
	t.Parallel()
	w := NewAuthenticationWarning("credentials were provided but server accepts anonymous connections")

	assert.Contains(t, w.Error(), "anonymous")
	assert.False(t, IsConnection(w))
}
