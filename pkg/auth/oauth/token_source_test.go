// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/secrets/keyring/mocks"
)

// tokenEndpoint records every refresh token it receives and rotates it.
type tokenEndpoint struct {
	mu       sync.Mutex
	received []string
	forms    []map[string]string
}

func (e *tokenEndpoint) handler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		e.mu.Lock()
		e.received = append(e.received, r.PostForm.Get("refresh_token"))
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		e.forms = append(e.forms, form)
		n := len(e.received)
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","refresh_token":"refresh-%d","expires_in":3600}`, n, n)
	}
}

func (e *tokenEndpoint) receivedTokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

func (e *tokenEndpoint) receivedForms() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]string(nil), e.forms...)
}

func TestRefreshingTokenSource_Rotation(t *testing.T) {
	t.Parallel()

	endpoint := &tokenEndpoint{}
	server := httptest.NewServer(endpoint.handler(t))
	t.Cleanup(server.Close)

	var persisted []string
	persister := func(refreshToken string, _ time.Time) error {
		persisted = append(persisted, refreshToken)
		return nil
	}

	ts := NewRefreshingTokenSource(server.Client(), RefreshConfig{
		TokenEndpoint: server.URL,
		ClientID:      "abc123",
	}, &oauth2.Token{RefreshToken: "A"}, persister)

	ctx := context.Background()
	require.NoError(t, ts.Refresh(ctx))
	assert.Equal(t, "refresh-1", ts.State().RefreshToken)
	assert.Equal(t, "access-1", ts.State().AccessToken)

	require.NoError(t, ts.Refresh(ctx))
	assert.Equal(t, "refresh-2", ts.State().RefreshToken)

	assert.Equal(t, []string{"A", "refresh-1"}, endpoint.receivedTokens(), "a rotated refresh token must never be reused")
	assert.Equal(t, []string{"refresh-1", "refresh-2"}, persisted)
	assert.WithinDuration(t, time.Now().Add(time.Hour), ts.State().ExpiresAt, time.Minute)
}

func TestRefreshingTokenSource_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"fresh"}`))
	}))
	t.Cleanup(server.Close)

	persisted := false
	ts := NewRefreshingTokenSource(server.Client(), RefreshConfig{TokenEndpoint: server.URL, ClientID: "c"},
		&oauth2.Token{RefreshToken: "R"}, func(string, time.Time) error {
			persisted = true
			return nil
		})

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "R", tok.RefreshToken)
	assert.True(t, ts.State().ExpiresAt.IsZero())
	assert.False(t, persisted)
}

func TestRefreshingTokenSource_UsesValidAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("token endpoint should not be called while the access token is valid")
	}))
	t.Cleanup(server.Close)

	ts := NewRefreshingTokenSource(server.Client(), RefreshConfig{TokenEndpoint: server.URL}, &oauth2.Token{
		AccessToken:  "still-good",
		RefreshToken: "R",
		Expiry:       time.Now().Add(time.Hour),
	}, nil)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok.AccessToken)
}

func TestRefreshingTokenSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       int
		body         string
		initial      *oauth2.Token
		wantInvalid  bool
		wantErrParts []string
	}{
		{
			name:         "invalid grant",
			status:       http.StatusBadRequest,
			body:         `{"error":"invalid_grant","error_description":"token revoked"}`,
			initial:      &oauth2.Token{RefreshToken: "R"},
			wantInvalid:  true,
			wantErrParts: []string{"refresh token was invalid", "invalid_grant"},
		},
		{
			name:         "unauthorized without body",
			status:       http.StatusUnauthorized,
			initial:      &oauth2.Token{RefreshToken: "R"},
			wantInvalid:  true,
			wantErrParts: []string{"refresh token was invalid"},
		},
		{
			name:         "server error",
			status:       http.StatusInternalServerError,
			body:         "boom",
			initial:      &oauth2.Token{RefreshToken: "R"},
			wantErrParts: []string{"failed with reason 500", "boom"},
		},
		{
			name:         "missing access token",
			status:       http.StatusOK,
			body:         `{"refresh_token":"new"}`,
			initial:      &oauth2.Token{RefreshToken: "R"},
			wantErrParts: []string{"did not contain an access token"},
		},
		{
			name:         "no refresh token",
			initial:      &oauth2.Token{AccessToken: "expired", Expiry: time.Now().Add(-time.Hour)},
			wantInvalid:  true,
			wantErrParts: []string{"no refresh token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			ts := NewRefreshingTokenSource(server.Client(), RefreshConfig{TokenEndpoint: server.URL, ClientID: "c"}, tt.initial, nil)
			_, err := ts.Token()
			require.Error(t, err)
			assert.Equal(t, tt.wantInvalid, errors.IsInvalidToken(err))
			if !tt.wantInvalid {
				assert.True(t, errors.IsConnection(err))
			}
			for _, part := range tt.wantErrParts {
				assert.Contains(t, err.Error(), part)
			}
			// a failed refresh leaves the previous tokens untouched
			assert.Equal(t, tt.initial.RefreshToken, ts.State().RefreshToken)
		})
	}
}

func TestRefreshingTokenSource_Audience(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		omit         bool
		wantAudience string
	}{
		{name: "audience sent by default", wantAudience: "https://api.example.com"},
		{name: "audience omitted on refresh", omit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			endpoint := &tokenEndpoint{}
			server := httptest.NewServer(endpoint.handler(t))
			t.Cleanup(server.Close)

			ts := NewRefreshingTokenSource(server.Client(), RefreshConfig{
				TokenEndpoint:         server.URL,
				ClientID:              "abc123",
				Audience:              "https://api.example.com",
				OmitAudienceOnRefresh: tt.omit,
			}, &oauth2.Token{RefreshToken: "R"}, nil)
			require.NoError(t, ts.Refresh(context.Background()))

			forms := endpoint.receivedForms()
			require.Len(t, forms, 1)
			assert.Equal(t, tt.wantAudience, forms[0]["audience"])
			assert.Equal(t, "refresh_token", forms[0]["grant_type"])
			assert.Equal(t, "abc123", forms[0]["client_id"])
		})
	}
}

func TestKeyringPersister(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockProvider(ctrl)
	store.EXPECT().Set("grantami", "https://api.example.com/", "rotated").Return(nil)

	persist := KeyringPersister(store, "grantami", "https://api.example.com/")
	require.NoError(t, persist("rotated", time.Time{}))
}
