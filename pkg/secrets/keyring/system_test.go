// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// go-keyring's mock backend is process global, so these tests are not parallel.
func TestSystemProvider(t *testing.T) { //nolint:paralleltest // uses the global mock keyring
	keyring.MockInit()

	p := NewSystemProvider()
	require.True(t, p.IsAvailable())
	assert.NotEmpty(t, p.Name())

	const service, apiURL = "granta-refresh", "https://api.example.com/"

	_, err := p.Get(service, apiURL)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Set(service, apiURL, "refresh-A"))
	got, err := p.Get(service, apiURL)
	require.NoError(t, err)
	assert.Equal(t, "refresh-A", got)

	require.NoError(t, p.Set(service, apiURL, "refresh-B"))
	got, err = p.Get(service, apiURL)
	require.NoError(t, err)
	assert.Equal(t, "refresh-B", got)

	require.NoError(t, p.Delete(service, apiURL))
	_, err = p.Get(service, apiURL)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing key is not an error
	require.NoError(t, p.Delete(service, apiURL))
}

func TestSystemProvider_DeleteAll(t *testing.T) { //nolint:paralleltest // uses the global mock keyring
	keyring.MockInit()

	p := NewSystemProvider()
	require.NoError(t, p.Set("svc", "https://a.example.com/", "1"))
	require.NoError(t, p.Set("svc", "https://b.example.com/", "2"))

	require.NoError(t, p.DeleteAll("svc"))

	_, err := p.Get("svc", "https://a.example.com/")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get("svc", "https://b.example.com/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerateUniqueTestKey(t *testing.T) {
	t.Parallel()

	a := GenerateUniqueTestKey()
	b := GenerateUniqueTestKey()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "apiauth-probe-")
}
