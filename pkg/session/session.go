// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net/http"

	"github.com/stacklok/apiauth/pkg/auth/oauth"
	"github.com/stacklok/apiauth/pkg/errors"
)

// Scheme names reported by Session.Scheme.
const (
	SchemeAnonymous = "anonymous"
	SchemeBasic     = "Basic"
	SchemeNTLM      = "NTLM"
	SchemeNegotiate = "Negotiate"
	SchemeBearer    = "Bearer"
)

// Session is an authenticated connection to an API.
type Session struct {
	apiURL   string
	scheme   string
	client   *http.Client
	warnings []*errors.AuthenticationWarning
	tokens   *oauth.RefreshingTokenSource
}

// APIURL returns the API base URL the session was negotiated for.
func (s *Session) APIURL() string {
	return s.apiURL
}

// Client returns an HTTP client that authenticates every request.
func (s *Session) Client() *http.Client {
	return s.client
}

// Scheme returns the negotiated authentication scheme.
func (s *Session) Scheme() string {
	return s.scheme
}

// Warnings returns the advisories raised while negotiating.
func (s *Session) Warnings() []*errors.AuthenticationWarning {
	return s.warnings
}

// TokenState returns the current OpenID Connect tokens. ok is false for
// sessions that are not token based.
func (s *Session) TokenState() (state oauth.TokenState, ok bool) {
	if s.tokens == nil {
		return oauth.TokenState{}, false
	}
	return s.tokens.State(), true
}
