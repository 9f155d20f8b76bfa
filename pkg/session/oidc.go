// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/apiauth/pkg/auth/oauth"
	"github.com/stacklok/apiauth/pkg/networking"
)

// OIDCOptions tune the OpenID Connect negotiation.
type OIDCOptions struct {
	OmitAudienceOnRefresh bool
	// CallbackPort overrides the port taken from the redirect URI.
	CallbackPort int
	// LoginTimeout bounds AuthorizeInteractively. Zero means oauth.DefaultLoginTimeout.
	LoginTimeout time.Duration
	// Persister receives rotated refresh tokens. When nil and the session was
	// built from a stored token, rotated tokens are written back to the keyring.
	Persister oauth.TokenPersister
}

// OIDCBuilder completes an OpenID Connect negotiation started by WithOIDC.
type OIDCBuilder struct {
	parent  *Negotiator
	options OIDCOptions

	// anonymous is set when the server accepted the probe without credentials
	anonymous bool
	oidc      *oauth.Negotiator

	storedPersister oauth.TokenPersister
}

// WithOIDC probes the API and discovers the identity provider named in its
// Bearer challenge. When the server accepts anonymous connections every
// builder method returns an anonymous session with a warning.
func (n *Negotiator) WithOIDC(ctx context.Context, opts OIDCOptions) (*OIDCBuilder, error) {
	probe, err := n.Probe(ctx)
	if err != nil {
		return nil, err
	}
	b := &OIDCBuilder{parent: n, options: opts}
	if probe.Anonymous() {
		b.anonymous = true
		return b, nil
	}

	n.setState(StateOIDC)
	req, err := oauth.BearerRequirementsFromChallenges(probe.Challenges)
	if err != nil {
		return nil, n.fail(err)
	}
	b.oidc, err = oauth.NewNegotiator(ctx, oauth.Config{
		APIURL:                n.apiURL,
		Requirements:          req,
		IdPClient:             n.idpClient,
		OmitAudienceOnRefresh: opts.OmitAudienceOnRefresh,
		CallbackPort:          opts.CallbackPort,
		Browser:               n.browser,
		Keyring:               n.keyring,
		Persister:             b.persist,
	})
	if err != nil {
		return nil, n.fail(err)
	}
	return b, nil
}

func (b *OIDCBuilder) persist(refreshToken string, expiry time.Time) error {
	switch {
	case b.options.Persister != nil:
		return b.options.Persister(refreshToken, expiry)
	case b.storedPersister != nil:
		return b.storedPersister(refreshToken, expiry)
	default:
		return nil
	}
}

// Requirements returns the identity provider settings advertised by the API,
// or nil for an anonymous server.
func (b *OIDCBuilder) Requirements() *oauth.BearerRequirements {
	if b.oidc == nil {
		return nil
	}
	return b.oidc.Requirements()
}

// AuthorizeInteractively signs the user in through the browser.
func (b *OIDCBuilder) AuthorizeInteractively(ctx context.Context) (*Session, error) {
	if b.anonymous {
		return b.parent.anonymousOnce()
	}
	ts, err := b.oidc.AuthorizeInteractively(ctx, b.options.LoginTimeout)
	return b.finish(ts, err)
}

// WithProvidedToken authenticates with a refresh token and an optional
// access token obtained elsewhere.
func (b *OIDCBuilder) WithProvidedToken(ctx context.Context, refreshToken, accessToken string) (*Session, error) {
	if b.anonymous {
		return b.parent.anonymousOnce()
	}
	ts, err := b.oidc.WithProvidedToken(ctx, refreshToken, accessToken)
	return b.finish(ts, err)
}

// WithStoredToken authenticates with the refresh token stored in the keyring
// under keyName.
func (b *OIDCBuilder) WithStoredToken(ctx context.Context, keyName string) (*Session, error) {
	if b.anonymous {
		return b.parent.anonymousOnce()
	}
	if b.parent.keyring != nil {
		b.storedPersister = oauth.KeyringPersister(b.parent.keyring, keyName, b.parent.apiURL)
	}
	ts, err := b.oidc.WithStoredToken(ctx, keyName)
	return b.finish(ts, err)
}

func (b *OIDCBuilder) finish(ts *oauth.RefreshingTokenSource, err error) (*Session, error) {
	if err != nil {
		return nil, b.parent.fail(err)
	}
	n := b.parent
	transport := &oauth2.Transport{
		Source: ts,
		Base:   networking.NewHeaderTransport(n.baseTransport(), b.oidc.APIHeaders()),
	}
	s := n.configured(SchemeBearer, n.clientWith(transport))
	s.tokens = ts
	return s, nil
}
