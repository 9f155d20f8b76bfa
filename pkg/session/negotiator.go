// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session negotiates an authenticated HTTP session with an API.
//
// A Negotiator probes the API anonymously, inspects the WWW-Authenticate
// challenges of a 401 and configures the matching scheme: anonymous, Basic,
// NTLM, integrated Negotiate or OpenID Connect.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/stacklok/apiauth/pkg/auth/challenge"
	"github.com/stacklok/apiauth/pkg/auth/negotiate"
	"github.com/stacklok/apiauth/pkg/auth/oauth"
	"github.com/stacklok/apiauth/pkg/config"
	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/networking"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
)

const anonymousWarning = "Credentials were provided but server accepts anonymous connections. " +
	"Continuing without credentials."

// State is the negotiation state of a Negotiator.
type State int

// Negotiation states
const (
	StateInit State = iota
	StateProbed
	StateAnonymous
	StateBasic
	StateNegotiate
	StateOIDC
	StateConfigured
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateProbed:
		return "probed"
	case StateAnonymous:
		return "anonymous"
	case StateBasic:
		return "basic"
	case StateNegotiate:
		return "negotiate"
	case StateOIDC:
		return "oidc"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProbeOutcome is the result of the unauthenticated probe.
type ProbeOutcome struct {
	StatusCode int
	// Challenges is nil when the server accepted the anonymous request.
	Challenges *challenge.Set
}

// Anonymous reports whether the server accepted the anonymous request.
func (p *ProbeOutcome) Anonymous() bool {
	return p.Challenges == nil
}

// Config configures a Negotiator.
type Config struct {
	APIURL string

	// API and IdP are the transport settings for the API server and the
	// identity provider.
	API config.SessionConfiguration
	IdP config.SessionConfiguration

	// APIClient and IdPClient replace the clients built from API and IdP.
	APIClient *http.Client
	IdPClient *http.Client

	// NegotiateProvider is the integrated authentication backend for
	// WithAutologon. Defaults to negotiate.Default().
	NegotiateProvider negotiate.Provider

	// Browser and Keyring are handed to the OpenID Connect negotiator.
	Browser oauth.BrowserOpener
	Keyring keyring.Provider
}

// Negotiator turns an API URL into an authenticated Session.
// Each With* method negotiates one session; a Negotiator is not reusable
// after it has produced a Session.
type Negotiator struct {
	apiURL    string
	client    *http.Client
	idpClient *http.Client
	provider  negotiate.Provider
	browser   oauth.BrowserOpener
	keyring   keyring.Provider

	mu    sync.Mutex
	state State
	probe *ProbeOutcome
}

// New creates a Negotiator for cfg.APIURL.
func New(cfg Config) (*Negotiator, error) {
	if cfg.APIURL == "" {
		return nil, errors.NewNotConfiguredError("an API URL is required", nil)
	}

	client := cfg.APIClient
	if client == nil {
		var err error
		client, err = cfg.API.NewHTTPClient()
		if err != nil {
			return nil, errors.NewNotConfiguredError("invalid API session configuration", err)
		}
	}
	idpClient := cfg.IdPClient
	if idpClient == nil {
		var err error
		idpClient, err = cfg.IdP.NewHTTPClient()
		if err != nil {
			return nil, errors.NewNotConfiguredError("invalid identity provider session configuration", err)
		}
	}
	provider := cfg.NegotiateProvider
	if provider == nil {
		provider = negotiate.Default()
	}

	return &Negotiator{
		apiURL:    cfg.APIURL,
		client:    client,
		idpClient: idpClient,
		provider:  provider,
		browser:   cfg.Browser,
		keyring:   cfg.Keyring,
		state:     StateInit,
	}, nil
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

func (n *Negotiator) fail(err error) error {
	n.setState(StateFailed)
	return err
}

// Probe sends an unauthenticated GET to the API. The outcome is cached, so
// the With* methods reuse it.
func (n *Negotiator) Probe(ctx context.Context) (*ProbeOutcome, error) {
	n.mu.Lock()
	if n.state == StateConfigured {
		n.mu.Unlock()
		return nil, errAlreadyConfigured()
	}
	if n.probe != nil {
		defer n.mu.Unlock()
		return n.probe, nil
	}
	n.mu.Unlock()

	logger.Debugf("Probing %s without authentication", n.apiURL)
	resp, err := n.get(ctx, n.client)
	if err != nil {
		return nil, n.fail(err)
	}

	outcome := &ProbeOutcome{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Debug("Server accepts anonymous connections")
	case resp.StatusCode == http.StatusUnauthorized:
		set, err := authenticateHeader(resp)
		if err != nil {
			return nil, n.fail(err)
		}
		logger.Debugf("Detected authentication methods: %s", strings.Join(set.Schemes(), ", "))
		outcome.Challenges = set
	default:
		return nil, n.fail(statusError(resp))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.probe = outcome
	n.state = StateProbed
	return outcome, nil
}

// get issues GET apiURL and drains the body, keeping headers and status.
func (n *Negotiator) get(ctx context.Context, client *http.Client) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.apiURL, nil)
	if err != nil {
		return nil, errors.NewNotConfiguredError(fmt.Sprintf("invalid API URL '%s'", n.apiURL), err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewTimeoutError(fmt.Sprintf("request to %s timed out", n.apiURL), err)
		}
		return nil, errors.NewConnectionError(fmt.Sprintf("unable to connect to %s", n.apiURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	// keep a preview of the body for error messages
	body, _ := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultErrorPreviewSize))
	resp.Body = io.NopCloser(strings.NewReader(string(body)))
	return resp, nil
}

func statusError(resp *http.Response) error {
	httpErr := networking.NewHTTPErrorFromResponse(resp)
	return errors.NewConnectionError(httpErr.Describe(), httpErr)
}

// authenticateHeader parses every WWW-Authenticate header of resp into one set.
func authenticateHeader(resp *http.Response) (*challenge.Set, error) {
	values := resp.Header.Values("WWW-Authenticate")
	if len(values) == 0 {
		return nil, errors.NewConnectionError("No www-authenticate header was provided, cannot continue", nil)
	}
	return challenge.Parse(strings.Join(values, ", "))
}

// testConnection reports whether a GET through client succeeds. A 401 is
// reported as false so the caller can try the next scheme.
func (n *Negotiator) testConnection(ctx context.Context, client *http.Client) (bool, error) {
	resp, err := n.get(ctx, client)
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Info("Connection success")
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

func (n *Negotiator) baseTransport() http.RoundTripper {
	if n.client.Transport == nil {
		return http.DefaultTransport
	}
	return n.client.Transport
}

// clientWith copies the API client with rt as its transport.
func (n *Negotiator) clientWith(rt http.RoundTripper) *http.Client {
	c := *n.client
	c.Transport = rt
	return &c
}

func (n *Negotiator) configured(scheme string, client *http.Client, warnings ...*errors.AuthenticationWarning) *Session {
	n.setState(StateConfigured)
	for _, w := range warnings {
		logger.Warn(w.Message)
	}
	return &Session{
		apiURL:   n.apiURL,
		scheme:   scheme,
		client:   client,
		warnings: warnings,
	}
}

func errAlreadyConfigured() error {
	return errors.NewNotConfiguredError("the negotiator has already produced a session", nil)
}

func (n *Negotiator) anonymousWithWarning() *Session {
	n.setState(StateAnonymous)
	return n.configured(SchemeAnonymous, n.client, errors.NewAuthenticationWarning(anonymousWarning))
}

// anonymousOnce is anonymousWithWarning for callers that skip Probe.
func (n *Negotiator) anonymousOnce() (*Session, error) {
	if n.State() == StateConfigured {
		return nil, errAlreadyConfigured()
	}
	return n.anonymousWithWarning(), nil
}

// WithAnonymous configures no authentication. It fails when the server
// requires authentication.
func (n *Negotiator) WithAnonymous(ctx context.Context) (*Session, error) {
	probe, err := n.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if !probe.Anonymous() {
		return nil, n.fail(errors.NewConnectionError(fmt.Sprintf(
			"Request url '%s' failed with reason %d: %s. Server offers %s",
			n.apiURL, probe.StatusCode, http.StatusText(probe.StatusCode),
			strings.Join(probe.Challenges.Schemes(), ", ")), nil))
	}
	n.setState(StateAnonymous)
	logger.Info("Connection success")
	return n.configured(SchemeAnonymous, n.client), nil
}

// WithCredentials authenticates with a username and password. NTLM is used
// when the server offers Negotiate or NTLM, then Basic. domain may be empty.
func (n *Negotiator) WithCredentials(ctx context.Context, username, password, domain string) (*Session, error) {
	creds := negotiate.Credentials{Username: username, Password: password, Domain: domain}
	logger.Infof("Setting credentials for user '%s'", username)
	if domain != "" {
		logger.Debugf("Setting domain for username, connecting as '%s'", creds.QualifiedUsername())
	}

	probe, err := n.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if probe.Anonymous() {
		return n.anonymousWithWarning(), nil
	}

	set := probe.Challenges
	if set.Has(negotiate.SchemeNegotiate) || set.Has(negotiate.SchemeNTLM) {
		n.setState(StateNegotiate)
		logger.Debug("Attempting to connect with NTLM authentication...")
		client := n.clientWith(negotiate.NTLMTransport(n.baseTransport(), creds))
		ok, err := n.testConnection(ctx, client)
		if err != nil {
			return nil, n.fail(err)
		}
		if ok {
			return n.configured(SchemeNTLM, client), nil
		}
	}
	if set.Has(negotiate.SchemeBasic) {
		n.setState(StateBasic)
		logger.Debug("Attempting connection with Basic authentication...")
		client := n.clientWith(negotiate.BasicTransport(n.baseTransport(), creds))
		ok, err := n.testConnection(ctx, client)
		if err != nil {
			return nil, n.fail(err)
		}
		if ok {
			return n.configured(SchemeBasic, client), nil
		}
	}
	return nil, n.fail(errors.NewConnectionError("Unable to connect with credentials.", nil))
}

// WithAutologon authenticates as the current user with integrated Negotiate
// authentication. A host without a usable Negotiate backend fails with an
// unsupported error before the API is contacted.
func (n *Negotiator) WithAutologon(ctx context.Context) (*Session, error) {
	if err := n.provider.Available(); err != nil {
		return nil, err
	}

	probe, err := n.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if probe.Anonymous() {
		return n.anonymousWithWarning(), nil
	}

	if probe.Challenges.Has(negotiate.SchemeNegotiate) {
		n.setState(StateNegotiate)
		logger.Debugf("Using %s as a Negotiate backend.", n.provider.Name())
		logger.Debug("Attempting connection with Negotiate authentication...")

		rt, err := n.provider.Transport(n.baseTransport())
		if err != nil {
			return nil, n.fail(err)
		}
		client := n.clientWith(rt)
		ok, err := n.testConnection(ctx, client)
		if err != nil {
			return nil, n.fail(err)
		}
		if ok {
			return n.configured(SchemeNegotiate, client), nil
		}
	}
	return nil, n.fail(errors.NewConnectionError("Unable to connect with autologon.", nil))
}
