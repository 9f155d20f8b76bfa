// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	browsermocks "github.com/stacklok/apiauth/pkg/auth/oauth/mocks"
	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/networking"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
	keyringmocks "github.com/stacklok/apiauth/pkg/secrets/keyring/mocks"
)

const testClientID = "abc123"

// fakeIdP is a minimal OpenID Connect provider.
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	mu           sync.Mutex
	tokenBodies  []string
	audienceSeen []string
	issueIDToken bool
	wantVerifier bool
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{t: t, key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.wellKnown)
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/jwks", idp.jwks)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) authority() string { return f.server.URL + "/" }

func (f *fakeIdP) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokenBodies...)
}

func (f *fakeIdP) audiences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.audienceSeen...)
}

func (f *fakeIdP) recordAudience(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audienceSeen = append(f.audienceSeen, r.Header.Get(ParamAPIAudience))
}

func (f *fakeIdP) wellKnown(w http.ResponseWriter, r *http.Request) {
	f.recordAudience(r)
	assert.Equal(f.t, networking.ContentTypeJSON, r.Header.Get("Accept"))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                           f.server.URL,
		"authorization_endpoint":           f.server.URL + "/authorize",
		"token_endpoint":                   f.server.URL + "/token",
		"jwks_uri":                         f.server.URL + "/jwks",
		"code_challenge_methods_supported": []string{"S256"},
	})
}

func (f *fakeIdP) jwks(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		KeyID:     "test-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (f *fakeIdP) signIDToken(audience string) string {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: f.key, KeyID: "test-key", Algorithm: string(jose.RS256)},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(f.t, err)
	payload, err := json.Marshal(map[string]any{
		"iss": f.server.URL,
		"aud": audience,
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(f.t, err)
	jws, err := signer.Sign(payload)
	require.NoError(f.t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(f.t, err)
	return raw
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	f.recordAudience(r)
	body, _ := io.ReadAll(r.Body)
	form, err := url.ParseQuery(string(body))
	require.NoError(f.t, err)

	f.mu.Lock()
	f.tokenBodies = append(f.tokenBodies, string(body))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"token_type": "Bearer", "expires_in": 3600}
	switch form.Get("grant_type") {
	case "authorization_code":
		if form.Get("code") != "the-code" || (f.wantVerifier && form.Get("code_verifier") == "") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp["access_token"] = "interactive-access"
		resp["refresh_token"] = "interactive-refresh"
		if f.issueIDToken {
			resp["id_token"] = f.signIDToken(form.Get("client_id"))
		}
	case "refresh_token":
		if form.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp["access_token"] = "refreshed-access"
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) requirements(redirectURI string) *BearerRequirements {
	return &BearerRequirements{
		Authority:   f.authority(),
		ClientID:    testClientID,
		RedirectURI: redirectURI,
		Scopes:      []string{"openid", "offline_access"},
	}
}

func TestNegotiator_WithProvidedToken(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	n, err := NewNegotiator(context.Background(), Config{
		APIURL:       "https://api.example.com/",
		Requirements: idp.requirements("http://localhost:1729"),
		IdPClient:    idp.server.Client(),
	})
	require.NoError(t, err)
	assert.Equal(t, StateReady, n.State())

	ts, err := n.WithProvidedToken(context.Background(), "R", "")
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, n.State())

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", tok.AccessToken)
	assert.Equal(t, "R", tok.RefreshToken)
	require.Len(t, idp.bodies(), 1)
	assert.Equal(t, "client_id=abc123&grant_type=refresh_token&refresh_token=R", idp.bodies()[0])

	// a negotiator hands out one session
	_, err = n.WithProvidedToken(context.Background(), "R", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotConfigured(err))
}

func TestNegotiator_WithProvidedAccessToken(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements("http://localhost:1729"),
		IdPClient:    idp.server.Client(),
	})
	require.NoError(t, err)

	ts, err := n.WithProvidedToken(context.Background(), "R", "given-access")
	require.NoError(t, err)
	assert.Equal(t, TokenState{AccessToken: "given-access", RefreshToken: "R"}, ts.State())
	assert.Empty(t, idp.bodies(), "a provided access token is used until it expires")
}

func signedAccessToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": expiry.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestNegotiator_WithProvidedAccessToken_Expiry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		expiry       time.Time
		wantRefresh  bool
		wantProvided bool
	}{
		{
			name:         "unexpired JWT is used as is",
			expiry:       time.Now().Add(time.Hour),
			wantProvided: true,
		},
		{
			name:        "expired JWT is refreshed once",
			expiry:      time.Now().Add(-time.Hour),
			wantRefresh: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			idp := newFakeIdP(t)
			n, err := NewNegotiator(context.Background(), Config{
				Requirements: idp.requirements("http://localhost:1729"),
				IdPClient:    idp.server.Client(),
			})
			require.NoError(t, err)

			access := signedAccessToken(t, tt.expiry)
			ts, err := n.WithProvidedToken(context.Background(), "R", access)
			require.NoError(t, err)
			assert.Equal(t, tt.expiry.Unix(), ts.State().ExpiresAt.Unix())

			for range 2 {
				tok, err := ts.Token()
				require.NoError(t, err)
				if tt.wantProvided {
					assert.Equal(t, access, tok.AccessToken)
				} else {
					assert.Equal(t, "refreshed-access", tok.AccessToken)
				}
			}
			if tt.wantRefresh {
				require.Len(t, idp.bodies(), 1)
				assert.Contains(t, idp.bodies()[0], "refresh_token=R")
			} else {
				assert.Empty(t, idp.bodies())
			}
		})
	}
}

func TestNegotiator_WithProvidedToken_Invalid(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements("http://localhost:1729"),
		IdPClient:    idp.server.Client(),
	})
	require.NoError(t, err)

	_, err = n.WithProvidedToken(context.Background(), "revoked", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidToken(err))
	assert.Contains(t, err.Error(), "refresh token was invalid")
	assert.Equal(t, StateFailed, n.State())
	assert.Equal(t, err, n.Err())

	_, err = n.WithProvidedToken(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidToken(err))
}

func TestNegotiator_APIAudience(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	req := idp.requirements("http://localhost:1729")
	req.APIAudience = "https://api.example.com"

	n, err := NewNegotiator(context.Background(), Config{Requirements: req, IdPClient: idp.server.Client()})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ParamAPIAudience: "https://api.example.com"}, n.APIHeaders())

	_, err = n.WithProvidedToken(context.Background(), "R", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://api.example.com", "https://api.example.com"}, idp.audiences())
	assert.Contains(t, idp.bodies()[0], "audience=https%3A%2F%2Fapi.example.com")
}

func TestNegotiator_DiscoveryFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	_, err := NewNegotiator(context.Background(), Config{
		Requirements: &BearerRequirements{Authority: server.URL + "/", ClientID: "c", RedirectURI: "http://localhost:1"},
		IdPClient:    server.Client(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
	assert.Contains(t, err.Error(), "failed with reason 404")

	_, err = NewNegotiator(context.Background(), Config{})
	assert.True(t, errors.IsNotConfigured(err))
}

func TestNegotiator_WithStoredToken(t *testing.T) {
	t.Parallel()

	const apiURL = "https://api.example.com/"

	tests := []struct {
		name        string
		setup       func(m *keyringmocks.MockProvider)
		wantErr     string
		wantInvalid bool
	}{
		{
			name: "stored token is refreshed",
			setup: func(m *keyringmocks.MockProvider) {
				m.EXPECT().Get("grantami", apiURL).Return("stored-refresh", nil)
			},
		},
		{
			name: "nothing stored",
			setup: func(m *keyringmocks.MockProvider) {
				m.EXPECT().Get("grantami", apiURL).Return("", keyring.ErrNotFound)
			},
			wantErr:     "no stored credentials found for 'grantami'",
			wantInvalid: true,
		},
		{
			name: "keyring failure",
			setup: func(m *keyringmocks.MockProvider) {
				m.EXPECT().Get("grantami", apiURL).Return("", fmt.Errorf("locked"))
				m.EXPECT().Name().Return("Mock Keyring")
			},
			wantErr:     "unable to read stored credentials",
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			store := keyringmocks.NewMockProvider(ctrl)
			tt.setup(store)

			idp := newFakeIdP(t)
			n, err := NewNegotiator(context.Background(), Config{
				APIURL:       apiURL,
				Requirements: idp.requirements("http://localhost:1729"),
				IdPClient:    idp.server.Client(),
				Keyring:      store,
			})
			require.NoError(t, err)

			ts, err := n.WithStoredToken(context.Background(), "grantami")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantInvalid, errors.IsInvalidToken(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "refreshed-access", ts.State().AccessToken)
			assert.Contains(t, idp.bodies()[0], "refresh_token=stored-refresh")
		})
	}
}

func TestNegotiator_WithStoredToken_NoKeyring(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements("http://localhost:1729"),
		IdPClient:    idp.server.Client(),
	})
	require.NoError(t, err)

	_, err = n.WithStoredToken(context.Background(), "grantami")
	assert.True(t, errors.IsNotConfigured(err))
}

func TestNegotiator_WithStoredToken_AfterAuthorized(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := keyringmocks.NewMockProvider(ctrl)

	idp := newFakeIdP(t)
	n, err := NewNegotiator(context.Background(), Config{
		APIURL:       "https://api.example.com/",
		Requirements: idp.requirements("http://localhost:1729"),
		IdPClient:    idp.server.Client(),
		Keyring:      store,
	})
	require.NoError(t, err)

	_, err = n.WithProvidedToken(context.Background(), "R", "")
	require.NoError(t, err)

	// no keyring read is expected once a session was handed out
	_, err = n.WithStoredToken(context.Background(), "grantami")
	require.Error(t, err)
	assert.True(t, errors.IsNotConfigured(err))
	assert.Equal(t, StateAuthorized, n.State())

	_, err = n.WithProvidedToken(context.Background(), "R", "")
	assert.True(t, errors.IsNotConfigured(err))
}

// completeLogin plays the browser: it follows the authorization URL straight
// back to the redirect URI as the identity provider would.
func completeLogin(t *testing.T, redirectURI string, extra url.Values) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, testClientID, q.Get("client_id"))
		assert.Equal(t, redirectURI, q.Get("redirect_uri"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.NotEmpty(t, q.Get("code_challenge"))
		assert.Equal(t, "openid offline_access", q.Get("scope"))

		callback := url.Values{"code": {"the-code"}, "state": {q.Get("state")}}
		for k, v := range extra {
			callback[k] = v
		}
		resp, err := http.Get(redirectURI + "?" + callback.Encode())
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

func TestNegotiator_AuthorizeInteractively(t *testing.T) { //nolint:paralleltest // binds the callback port
	idp := newFakeIdP(t)
	idp.issueIDToken = true
	idp.wantVerifier = true

	port := networking.FindAvailable()
	require.NotZero(t, port)
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/", port)

	ctrl := gomock.NewController(t)
	browser := browsermocks.NewMockBrowserOpener(ctrl)
	browser.EXPECT().OpenURL(gomock.Any()).DoAndReturn(completeLogin(t, redirectURI, nil))

	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements(redirectURI),
		IdPClient:    idp.server.Client(),
		Browser:      browser,
	})
	require.NoError(t, err)

	ts, err := n.AuthorizeInteractively(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, n.State())

	state := ts.State()
	assert.Equal(t, "interactive-access", state.AccessToken)
	assert.Equal(t, "interactive-refresh", state.RefreshToken)

	require.Len(t, idp.bodies(), 1)
	form, err := url.ParseQuery(idp.bodies()[0])
	require.NoError(t, err)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, testClientID, form.Get("client_id"))
	assert.NotEmpty(t, form.Get("code_verifier"))

	// the callback port is free again
	l, err := Listen(context.Background(), port)
	require.NoError(t, err)
	l.Close()
}

func TestNegotiator_AuthorizeInteractively_IdPError(t *testing.T) { //nolint:paralleltest // binds the callback port
	idp := newFakeIdP(t)
	port := networking.FindAvailable()
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/", port)

	ctrl := gomock.NewController(t)
	browser := browsermocks.NewMockBrowserOpener(ctrl)
	browser.EXPECT().OpenURL(gomock.Any()).DoAndReturn(
		completeLogin(t, redirectURI, url.Values{"error": {"access_denied"}}))

	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements(redirectURI),
		IdPClient:    idp.server.Client(),
		Browser:      browser,
	})
	require.NoError(t, err)

	_, err = n.AuthorizeInteractively(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
	assert.Contains(t, err.Error(), "access_denied")
	assert.Empty(t, idp.bodies())
}

func TestNegotiator_AuthorizeInteractively_Timeout(t *testing.T) { //nolint:paralleltest // binds the callback port
	idp := newFakeIdP(t)
	port := networking.FindAvailable()
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/", port)

	ctrl := gomock.NewController(t)
	browser := browsermocks.NewMockBrowserOpener(ctrl)
	// the user never completes the login; a failed launch is not fatal
	browser.EXPECT().OpenURL(gomock.Any()).Return(fmt.Errorf("no display")).Times(2)

	n, err := NewNegotiator(context.Background(), Config{
		Requirements: idp.requirements(redirectURI),
		IdPClient:    idp.server.Client(),
		Browser:      browser,
	})
	require.NoError(t, err)

	_, err = n.AuthorizeInteractively(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, StateFailed, n.State())

	// retrying does not hit a bind conflict
	_, err = n.AuthorizeInteractively(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}
