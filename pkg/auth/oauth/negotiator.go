// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/networking"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
)

// DefaultLoginTimeout bounds how long AuthorizeInteractively waits for the
// user to finish signing in.
const DefaultLoginTimeout = 60 * time.Second

// State is the negotiation state of a Negotiator.
type State int

const (
	// StateDiscovering is held while the identity provider metadata is fetched.
	StateDiscovering State = iota
	// StateReady means discovery succeeded and no authorization has started.
	StateReady
	// StateAuthorizing is held during interactive authorization.
	StateAuthorizing
	// StateExchanging is held while a provided or stored token is redeemed.
	StateExchanging
	// StateAuthorized means a token source has been handed out.
	StateAuthorized
	// StateFailed means the last step failed. See Err.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateAuthorizing:
		return "authorizing"
	case StateExchanging:
		return "exchanging"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Negotiator.
type Config struct {
	// APIURL is the API the tokens are for. It is the keyring account name.
	APIURL string

	Requirements *BearerRequirements

	// IdPClient is used for every request to the identity provider.
	// Defaults to http.DefaultClient.
	IdPClient *http.Client

	OmitAudienceOnRefresh bool

	// CallbackPort overrides the port derived from the redirect URI.
	CallbackPort int

	// Browser defaults to SystemBrowser.
	Browser BrowserOpener

	// Keyring is required for WithStoredToken.
	Keyring keyring.Provider

	// Persister, when set, receives rotated refresh tokens.
	Persister TokenPersister
}

// Negotiator obtains OpenID Connect tokens for an API that answered with a
// Bearer challenge. A Negotiator is created per negotiation and must not be
// shared between goroutines while a step is running.
type Negotiator struct {
	config    Config
	idpClient *http.Client
	wellKnown *WellKnownConfig

	mu    sync.Mutex
	state State
	err   error
}

// NewNegotiator discovers the identity provider named by cfg.Requirements.
// The returned Negotiator is Ready, or the error explains why discovery failed.
func NewNegotiator(ctx context.Context, cfg Config) (*Negotiator, error) {
	if cfg.Requirements == nil {
		return nil, errors.NewNotConfiguredError("bearer requirements are required", nil)
	}
	if cfg.Browser == nil {
		cfg.Browser = SystemBrowser()
	}

	n := &Negotiator{
		config:    cfg,
		idpClient: idpClient(cfg.IdPClient, cfg.Requirements),
		state:     StateDiscovering,
	}
	if logger.TokenDebuggingEnabled() {
		logger.Warn("Verbose token debugging is enabled, tokens will be written to the log")
	}

	wellKnown, err := Discover(ctx, n.idpClient, cfg.Requirements.Authority)
	if err != nil {
		return nil, n.fail(err)
	}
	n.wellKnown = wellKnown
	n.setState(StateReady)
	return n, nil
}

// idpClient copies base and layers the identity provider headers on its transport.
func idpClient(base *http.Client, req *BearerRequirements) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	client := *base
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	headers := map[string]string{"Accept": networking.ContentTypeJSON}
	if req.APIAudience != "" {
		headers[ParamAPIAudience] = req.APIAudience
	}
	client.Transport = networking.NewHeaderTransport(rt, headers)
	return &client
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the error that moved the negotiator to StateFailed.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// WellKnown returns the discovered identity provider metadata.
func (n *Negotiator) WellKnown() *WellKnownConfig {
	return n.wellKnown
}

// Requirements returns the Bearer challenge settings the negotiator was built from.
func (n *Negotiator) Requirements() *BearerRequirements {
	return n.config.Requirements
}

// APIHeaders are the extra headers every request to the API must carry.
func (n *Negotiator) APIHeaders() map[string]string {
	headers := map[string]string{}
	if aud := n.config.Requirements.APIAudience; aud != "" {
		headers[ParamAPIAudience] = aud
	}
	return headers
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

func (n *Negotiator) fail(err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StateFailed
	n.err = err
	return err
}

// begin moves from Ready, or from a failed attempt after discovery, to next.
func (n *Negotiator) begin(next State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.wellKnown == nil || (n.state != StateReady && n.state != StateFailed) {
		return errors.NewNotConfiguredError(fmt.Sprintf("cannot start %s while the negotiator is %s", next, n.state), nil)
	}
	n.state = next
	n.err = nil
	return nil
}

func (n *Negotiator) refreshConfig() RefreshConfig {
	return RefreshConfig{
		TokenEndpoint:         n.wellKnown.TokenEndpoint,
		ClientID:              n.config.Requirements.ClientID,
		Audience:              n.config.Requirements.APIAudience,
		OmitAudienceOnRefresh: n.config.OmitAudienceOnRefresh,
	}
}

func (n *Negotiator) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: n.config.Requirements.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   n.wellKnown.AuthorizationEndpoint,
			TokenURL:  n.wellKnown.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: n.config.Requirements.RedirectURI,
		Scopes:      n.config.Requirements.Scopes,
	}
}

func (n *Negotiator) callbackPort() int {
	if n.config.CallbackPort != 0 {
		return n.config.CallbackPort
	}
	return n.config.Requirements.CallbackPort()
}

// AuthorizeInteractively runs the authorization code flow in the user's
// browser and returns a token source for the resulting tokens. The loopback
// listener is bound before the browser is opened and released before return.
// A timeout of zero uses DefaultLoginTimeout.
func (n *Negotiator) AuthorizeInteractively(ctx context.Context, timeout time.Duration) (*RefreshingTokenSource, error) {
	if err := n.begin(StateAuthorizing); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}

	listener, err := Listen(ctx, n.callbackPort())
	if err != nil {
		return nil, n.fail(err)
	}

	state, err := generateState()
	if err != nil {
		listener.Close()
		return nil, n.fail(err)
	}
	verifier := oauth2.GenerateVerifier()
	pkce := n.wellKnown.SupportsPKCE()
	conf := n.oauth2Config()

	authOpts := []oauth2.AuthCodeOption{}
	exchangeOpts := []oauth2.AuthCodeOption{}
	if pkce {
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(verifier))
	}
	if aud := n.config.Requirements.APIAudience; aud != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("audience", aud))
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("audience", aud))
	}
	authURL := conf.AuthCodeURL(state, authOpts...)

	logger.Infof("Opening browser to: %s", authURL)
	if err := n.config.Browser.OpenURL(authURL); err != nil {
		logger.Warnf("Failed to open browser: %v", err)
		logger.Infof("Please manually open this URL in your browser: %s", authURL)
	}

	logger.Info("Waiting for OAuth callback...")
	result, err := listener.Await(ctx, timeout)
	if err != nil {
		return nil, n.fail(err)
	}
	if result.Error != "" {
		return nil, n.fail(errors.NewConnectionError(
			fmt.Sprintf("identity provider returned error '%s': %s", result.Error, result.ErrorDescription), nil))
	}
	if result.State != state {
		return nil, n.fail(errors.NewConnectionError("authorization response state did not match the request", nil))
	}
	if result.Code == "" {
		return nil, n.fail(errors.NewConnectionError("authorization response did not contain a code", nil))
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, n.idpClient)
	token, err := conf.Exchange(exchangeCtx, result.Code, exchangeOpts...)
	if err != nil {
		return nil, n.fail(exchangeError(err))
	}
	if err := n.inspectToken(ctx, token); err != nil {
		return nil, n.fail(err)
	}

	logger.Info("OAuth flow completed successfully")
	return n.authorized(token), nil
}

func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		requestURL := ""
		if retrieveErr.Response.Request != nil {
			requestURL = retrieveErr.Response.Request.URL.String()
		}
		httpErr := networking.NewHTTPError(retrieveErr.Response.StatusCode, requestURL, string(retrieveErr.Body))
		return errors.NewConnectionError(httpErr.Describe(), err)
	}
	return errors.NewConnectionError("authorization code exchange failed", err)
}

// inspectToken verifies the ID token when one was issued and logs the
// access token claims for diagnostics.
func (n *Negotiator) inspectToken(ctx context.Context, token *oauth2.Token) error {
	if token.AccessToken == "" {
		return errors.NewConnectionError("token endpoint response did not contain an access token", nil)
	}
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		if err := n.verifyIDToken(ctx, rawIDToken); err != nil {
			return err
		}
	}
	if claims, err := extractJWTClaims(token.AccessToken); err == nil {
		sub, _ := claims.GetSubject()
		exp, _ := claims.GetExpirationTime()
		if exp != nil {
			logger.Debugf("Access token issued for subject %q, expires %s", sub, exp.Time.Format(time.RFC3339))
		} else {
			logger.Debugf("Access token issued for subject %q", sub)
		}
	} else {
		logger.Debugf("Could not extract JWT claims from access token (may be opaque token): %v", err)
	}
	if logger.TokenDebuggingEnabled() {
		logger.Debugf("Access token: %s", token.AccessToken)
		logger.Debugf("Refresh token: %s", token.RefreshToken)
	}
	return nil
}

// verifyIDToken checks the ID token signature and audience against the
// provider's published keys. Providers without jwks_uri are skipped.
func (n *Negotiator) verifyIDToken(ctx context.Context, rawIDToken string) error {
	if n.wellKnown.JWKSURI == "" {
		logger.Debug("Identity provider does not publish jwks_uri, skipping ID token verification")
		return nil
	}
	ctx = oidc.ClientContext(ctx, n.idpClient)
	keySet := oidc.NewRemoteKeySet(ctx, n.wellKnown.JWKSURI)
	verifier := oidc.NewVerifier(n.wellKnown.Issuer, keySet, &oidc.Config{
		ClientID:        n.config.Requirements.ClientID,
		SkipIssuerCheck: n.wellKnown.Issuer == "",
	})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return errors.NewConnectionError("ID token verification failed", err)
	}
	logger.Debugf("Verified ID token for subject %q", idToken.Subject)
	return nil
}

func (n *Negotiator) authorized(token *oauth2.Token) *RefreshingTokenSource {
	ts := NewRefreshingTokenSource(n.idpClient, n.refreshConfig(), token, n.config.Persister)
	n.setState(StateAuthorized)
	return ts
}

// WithProvidedToken builds a token source from a refresh token and an
// optional access token. Without an access token the refresh grant runs
// immediately, so an invalid refresh token is reported here. A JWT access
// token is used until its exp claim passes; opaque tokens are used until the
// API rejects them.
func (n *Negotiator) WithProvidedToken(ctx context.Context, refreshToken, accessToken string) (*RefreshingTokenSource, error) {
	if err := n.begin(StateExchanging); err != nil {
		return nil, err
	}
	return n.exchange(ctx, refreshToken, accessToken)
}

func (n *Negotiator) exchange(ctx context.Context, refreshToken, accessToken string) (*RefreshingTokenSource, error) {
	if refreshToken == "" && accessToken == "" {
		return nil, n.fail(errors.NewInvalidTokenError("a refresh token or an access token must be provided", nil))
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       accessTokenExpiry(accessToken),
	}
	ts := NewRefreshingTokenSource(n.idpClient, n.refreshConfig(), token, n.config.Persister)
	if accessToken == "" {
		if err := ts.Refresh(ctx); err != nil {
			return nil, n.fail(err)
		}
	}
	n.setState(StateAuthorized)
	return ts, nil
}

// accessTokenExpiry reads the exp claim of a JWT access token.
// Opaque tokens and tokens without exp yield the zero time.
func accessTokenExpiry(accessToken string) time.Time {
	if accessToken == "" {
		return time.Time{}
	}
	claims, err := extractJWTClaims(accessToken)
	if err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// WithStoredToken reads the refresh token stored in the keyring under
// service keyName and account APIURL, then behaves like WithProvidedToken.
func (n *Negotiator) WithStoredToken(ctx context.Context, keyName string) (*RefreshingTokenSource, error) {
	if n.config.Keyring == nil {
		return nil, errors.NewNotConfiguredError("no keyring provider is configured", nil)
	}
	if err := n.begin(StateExchanging); err != nil {
		return nil, err
	}
	refreshToken, err := n.config.Keyring.Get(keyName, n.config.APIURL)
	if err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return nil, n.fail(errors.NewInvalidTokenError(
				fmt.Sprintf("no stored credentials found for '%s'", keyName), nil))
		}
		return nil, n.fail(errors.NewInvalidTokenError(
			fmt.Sprintf("unable to read stored credentials for '%s' from %s", keyName, n.config.Keyring.Name()), err))
	}
	if refreshToken == "" {
		return nil, n.fail(errors.NewInvalidTokenError(
			fmt.Sprintf("no stored credentials found for '%s'", keyName), nil))
	}
	return n.exchange(ctx, refreshToken, "")
}
