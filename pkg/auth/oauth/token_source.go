// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/networking"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
)

const refreshTimeout = 30 * time.Second

// TokenState is a snapshot of the tokens held by an authorized session.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the identity provider did not report an expiry.
	ExpiresAt time.Time
}

// TokenPersister is called with the new refresh token whenever the identity
// provider rotates it.
type TokenPersister func(refreshToken string, expiry time.Time) error

// KeyringPersister stores rotated refresh tokens under the same service and
// key that WithStoredToken reads.
func KeyringPersister(provider keyring.Provider, keyName, apiURL string) TokenPersister {
	return func(refreshToken string, _ time.Time) error {
		return provider.Set(keyName, apiURL, refreshToken)
	}
}

// RefreshConfig describes how to run the refresh_token grant.
type RefreshConfig struct {
	TokenEndpoint string
	ClientID      string
	Audience      string
	// OmitAudienceOnRefresh drops the audience form parameter from refresh
	// requests for providers that reject it there.
	OmitAudienceOnRefresh bool
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	IDToken      string      `json:"id_token"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshingTokenSource is an oauth2.TokenSource that refreshes the access
// token with the refresh_token grant when it expires. Only the most recent
// refresh token is ever sent; a rotated token replaces the previous one.
// It is safe for concurrent use.
type RefreshingTokenSource struct {
	client    networking.HTTPClient
	config    RefreshConfig
	persister TokenPersister

	mu    sync.Mutex
	token *oauth2.Token
}

// NewRefreshingTokenSource creates a token source seeded with initial.
// persister may be nil.
func NewRefreshingTokenSource(
	client networking.HTTPClient,
	config RefreshConfig,
	initial *oauth2.Token,
	persister TokenPersister,
) *RefreshingTokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	tok := &oauth2.Token{}
	if initial != nil {
		*tok = *initial
	}
	return &RefreshingTokenSource{
		client:    client,
		config:    config,
		persister: persister,
		token:     tok,
	}
}

// Token implements oauth2.TokenSource.
func (s *RefreshingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.AccessToken != "" && s.token.Valid() {
		return s.copyToken(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return s.copyToken(), nil
}

// Refresh runs the refresh_token grant now regardless of the current expiry.
func (s *RefreshingTokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// State returns a snapshot of the current tokens.
func (s *RefreshingTokenSource) State() TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TokenState{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		ExpiresAt:    s.token.Expiry,
	}
}

func (s *RefreshingTokenSource) copyToken() *oauth2.Token {
	tok := *s.token
	return &tok
}

func (s *RefreshingTokenSource) refreshLocked(ctx context.Context) error {
	previous := s.token.RefreshToken
	if previous == "" {
		return errors.NewInvalidTokenError("access token has expired and no refresh token is available", nil)
	}

	form := url.Values{}
	form.Set("client_id", s.config.ClientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", previous)
	if s.config.Audience != "" && !s.config.OmitAudienceOnRefresh {
		form.Set("audience", s.config.Audience)
	}

	logger.Debugf("Refreshing access token using token endpoint %s", s.config.TokenEndpoint)
	result, err := networking.FetchJSONWithForm[tokenResponse](
		ctx, s.client, s.config.TokenEndpoint, form,
		networking.WithoutContentTypeValidation(),
		networking.WithErrorHandler(refreshErrorHandler),
	)
	if err != nil {
		if errors.IsInvalidToken(err) {
			return err
		}
		var httpErr *networking.HTTPError
		if stderrors.As(err, &httpErr) {
			return errors.NewConnectionError(httpErr.Describe(), err)
		}
		return errors.NewConnectionError("token refresh request failed", err)
	}

	data := result.Data
	if data.AccessToken == "" {
		return errors.NewConnectionError("token endpoint response did not contain an access token", nil)
	}

	next := &oauth2.Token{
		AccessToken:  data.AccessToken,
		TokenType:    data.TokenType,
		RefreshToken: previous,
	}
	if data.RefreshToken != "" {
		next.RefreshToken = data.RefreshToken
	}
	if seconds, err := data.ExpiresIn.Int64(); err == nil && seconds > 0 {
		next.Expiry = time.Now().Add(time.Duration(seconds) * time.Second)
	}
	if data.IDToken != "" {
		next = next.WithExtra(map[string]any{"id_token": data.IDToken})
	}
	s.token = next

	if next.RefreshToken != previous {
		logger.Debug("Identity provider rotated the refresh token")
		if s.persister != nil {
			if err := s.persister(next.RefreshToken, next.Expiry); err != nil {
				logger.Warnf("Failed to persist rotated refresh token: %v", err)
			}
		}
	}
	if logger.TokenDebuggingEnabled() {
		logger.Debugf("Refreshed access token: %s", next.AccessToken)
	}
	return nil
}

// refreshErrorHandler reports a rejected refresh token as an invalid token.
// Other statuses fall through to the default HTTPError.
func refreshErrorHandler(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	var oauthErr oauthErrorResponse
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		return errors.NewInvalidTokenError("refresh token was invalid",
			fmt.Errorf("%s: %s", oauthErr.Error, oauthErr.ErrorDescription))
	}
	requestURL := ""
	if resp.Request != nil {
		requestURL = resp.Request.URL.String()
	}
	return errors.NewInvalidTokenError("refresh token was invalid",
		networking.NewHTTPError(resp.StatusCode, requestURL, string(body)))
}
