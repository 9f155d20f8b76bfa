// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package negotiate provides the connection-level authentication schemes used
// against API servers: Basic, NTLM, and integrated Negotiate authentication
// for the current logon session.
//
// Integrated authentication is platform specific. Default returns the
// provider for the host: SSPI on Windows, Kerberos (gokrb5 with the user's
// credential cache) elsewhere.
package negotiate

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

import (
	"log/slog"
	"net/http"
)

// Scheme names as they appear in WWW-Authenticate.
const (
	SchemeNegotiate = "Negotiate"
	SchemeNTLM      = "NTLM"
	SchemeBasic     = "Basic"
)

// Provider performs integrated authentication as the current user.
type Provider interface {
	// Name identifies the backend in log messages.
	Name() string

	// Available returns an unsupported error when the host lacks the
	// capability, for example no Kerberos credential cache.
	Available() error

	// Transport wraps base so that requests authenticate with Negotiate.
	Transport(base http.RoundTripper) (http.RoundTripper, error)
}

// Credentials are explicit user credentials for Basic and NTLM.
type Credentials struct {
	Username string
	Password string
	// Domain is optional. When set the user logs in as DOMAIN\Username.
	Domain string
}

// QualifiedUsername returns DOMAIN\Username, or Username without a domain.
func (c Credentials) QualifiedUsername() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// LogValue implements slog.LogValuer to keep the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Username", c.Username),
		slog.String("Password", "********"),
		slog.String("Domain", c.Domain),
	)
}

// BasicTransport wraps base so every request carries HTTP Basic credentials.
func BasicTransport(base http.RoundTripper, creds Credentials) http.RoundTripper {
	return &basicTransport{base: orDefault(base), creds: creds}
}

type basicTransport struct {
	base  http.RoundTripper
	creds Credentials
}

func (t *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.creds.QualifiedUsername(), t.creds.Password)
	return t.base.RoundTrip(r)
}

func orDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
