// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAvailable(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	assert.False(t, IsAvailable(port))
	require.NoError(t, l.Close())
	assert.True(t, IsAvailable(port))
}

func TestFindAvailable(t *testing.T) {
	t.Parallel()

	port := FindAvailable()
	assert.GreaterOrEqual(t, port, MinPort)
	assert.LessOrEqual(t, port, MaxPort)
}

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST:8080", true},
		{"127.0.0.1", true},
		{"127.0.0.1:32284", true},
		{"[::1]:1729", true},
		{"::1", true},
		{"example.com", false},
		{"10.0.0.1:80", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsLocalhost(tt.host))
		})
	}
}

func TestLoopbackPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url    string
		want   int
		wantOK bool
	}{
		{"http://localhost:1729", 1729, true},
		{"http://127.0.0.1:32284/callback", 32284, true},
		{"http://localhost", 0, false},
		{"https://app.example.com:443/", 0, false},
		{"::bad", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			port, ok := LoopbackPort(tt.url)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, port)
		})
	}
}
