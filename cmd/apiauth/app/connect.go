// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/apiauth/pkg/config"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
	"github.com/stacklok/apiauth/pkg/session"
)

// newKeyring is replaced in tests
var newKeyring = keyring.NewCompositeProvider

type connectFlags struct {
	profile               string
	mode                  string
	username              string
	domain                string
	password              string
	passwordFile          string
	refreshToken          string
	refreshTokenFile      string
	accessToken           string
	tokenKey              string
	saveTokenKey          string
	loginTimeout          time.Duration
	callbackPort          int
	omitAudienceOnRefresh bool
	insecureSkipVerify    bool
	caBundle              string
	format                string
}

type connectOutput struct {
	APIURL      string     `json:"api_url"`
	Scheme      string     `json:"scheme"`
	StatusCode  int        `json:"status_code"`
	Warnings    []string   `json:"warnings,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

func newConnectCommand() *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Negotiate an authenticated session with an API",
		Long: `Probe the API without credentials, pick the authentication scheme it
offers and connect with it. The API is named either by URL or by a profile
from the configuration file; flags override profile values.

Modes:
  - anonymous: connect without credentials
  - credentials: username and password over NTLM or Basic
  - autologon: the current user over Negotiate (Kerberos or SSPI)
  - oidc_interactive: sign in through the browser
  - oidc_token: a refresh token or access token obtained elsewhere
  - oidc_stored_token: a refresh token stored with "apiauth token store"

Secrets are read from flags, files or the APIAUTH_PASSWORD,
APIAUTH_REFRESH_TOKEN and APIAUTH_ACCESS_TOKEN environment variables.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(f.format); err != nil {
				return err
			}
			apiURL := ""
			if len(args) == 1 {
				apiURL = args[0]
			}
			return runConnect(cmd, apiURL, &f)
		},
	}

	cmd.Flags().StringVar(&f.profile, "profile", "", "Profile to connect with (default: the default profile when no URL is given)")
	cmd.Flags().StringVar(&f.mode, "mode", string(config.ModeAnonymous), "Authentication mode")
	cmd.Flags().StringVar(&f.username, "username", "", "Username for credentials mode")
	cmd.Flags().StringVar(&f.domain, "domain", "", "Domain for credentials mode")
	cmd.Flags().StringVar(&f.password, "password", "", "Password for credentials mode")
	cmd.Flags().StringVar(&f.passwordFile, "password-file", "", "File containing the password")
	cmd.Flags().StringVar(&f.refreshToken, "refresh-token", "", "Refresh token for oidc_token mode")
	cmd.Flags().StringVar(&f.refreshTokenFile, "refresh-token-file", "", "File containing the refresh token")
	cmd.Flags().StringVar(&f.accessToken, "access-token", "", "Access token for oidc_token mode")
	cmd.Flags().StringVar(&f.tokenKey, "token-key", "", "Keyring key holding the refresh token for oidc_stored_token mode")
	cmd.Flags().StringVar(&f.saveTokenKey, "save-token-key", "",
		"Store the refresh token in the keyring under this key after connecting")
	cmd.Flags().DurationVar(&f.loginTimeout, "login-timeout", 0, "Time allowed for interactive login (default 1m)")
	cmd.Flags().IntVar(&f.callbackPort, "callback-port", 0, "Loopback port for the login redirect (default: from the redirect URI)")
	cmd.Flags().BoolVar(&f.omitAudienceOnRefresh, "omit-audience-on-refresh", false,
		"Do not send the audience parameter when refreshing tokens")
	cmd.Flags().BoolVar(&f.insecureSkipVerify, "insecure-skip-verify", false, "Skip TLS verification of the API server")
	cmd.Flags().StringVar(&f.caBundle, "ca-bundle", "", "CA bundle used to verify the API server")
	AddFormatFlag(cmd, &f.format)

	return cmd
}

func runConnect(cmd *cobra.Command, apiURL string, f *connectFlags) error {
	ctx := cmd.Context()
	profile, err := resolveProfile(ctx, cmd, apiURL, f)
	if err != nil {
		return err
	}
	secrets, err := resolveConnectSecrets(cmd, profile, f)
	if err != nil {
		return err
	}

	deps := session.Dependencies{}
	if profile.Mode == config.ModeOIDCStoredToken || f.saveTokenKey != "" {
		deps.Keyring = newKeyring()
	}

	s, err := session.FromProfile(ctx, profile, secrets, deps)
	if err != nil {
		return err
	}

	if f.saveTokenKey != "" {
		state, ok := s.TokenState()
		if !ok || state.RefreshToken == "" {
			logger.Warnf("No refresh token to store under '%s'", f.saveTokenKey)
		} else if err := deps.Keyring.Set(f.saveTokenKey, profile.APIURL, state.RefreshToken); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	status, err := checkSession(ctx, s)
	if err != nil {
		return err
	}

	out := connectOutput{APIURL: s.APIURL(), Scheme: s.Scheme(), StatusCode: status}
	for _, w := range s.Warnings() {
		out.Warnings = append(out.Warnings, w.Message)
	}
	if state, ok := s.TokenState(); ok && !state.ExpiresAt.IsZero() {
		expiry := state.ExpiresAt
		out.TokenExpiry = &expiry
	}

	if f.format == FormatJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}
	printConnectOutput(cmd.OutOrStdout(), out)
	return nil
}

// resolveProfile builds the profile from the configuration file and flags.
func resolveProfile(ctx context.Context, cmd *cobra.Command, apiURL string, f *connectFlags) (*config.Profile, error) {
	profile := &config.Profile{APIURL: apiURL}
	if f.profile != "" || apiURL == "" {
		cfg, err := config.LoadConfig(ctx, configPath())
		if err != nil {
			return nil, err
		}
		stored, err := cfg.Profile(f.profile)
		if err != nil {
			return nil, err
		}
		copied := *stored
		profile = &copied
		if apiURL != "" {
			profile.APIURL = apiURL
		}
	}

	flags := cmd.Flags()
	if profile.Mode == "" || flags.Changed("mode") {
		mode, err := config.ParseMode(f.mode)
		if err != nil {
			return nil, err
		}
		profile.Mode = mode
	}
	if flags.Changed("username") {
		profile.Username = f.username
	}
	if flags.Changed("domain") {
		profile.Domain = f.domain
	}
	if flags.Changed("token-key") {
		profile.TokenKey = f.tokenKey
	}
	if flags.Changed("login-timeout") {
		profile.LoginTimeout = f.loginTimeout
	}
	if flags.Changed("callback-port") {
		profile.CallbackPort = f.callbackPort
	}
	if flags.Changed("omit-audience-on-refresh") {
		profile.OmitAudienceOnRefresh = f.omitAudienceOnRefresh
	}
	if flags.Changed("insecure-skip-verify") {
		profile.API.InsecureSkipVerify = f.insecureSkipVerify
	}
	if flags.Changed("ca-bundle") {
		profile.API.CABundlePath = f.caBundle
	}
	return profile, nil
}

func resolveConnectSecrets(cmd *cobra.Command, profile *config.Profile, f *connectFlags) (session.Secrets, error) {
	var secrets session.Secrets
	var err error

	switch profile.Mode {
	case config.ModeCredentials:
		secrets.Password, err = resolveSecret(f.password, f.passwordFile, envPassword)
		if err != nil {
			return secrets, err
		}
		if secrets.Password == "" {
			secrets.Password, err = promptSecret(cmd.ErrOrStderr(), fmt.Sprintf("Password for %s", profile.Username))
			if err != nil {
				return secrets, err
			}
		}
	case config.ModeOIDCToken:
		secrets.RefreshToken, err = resolveSecret(f.refreshToken, f.refreshTokenFile, envRefreshToken)
		if err != nil {
			return secrets, err
		}
		secrets.AccessToken, err = resolveSecret(f.accessToken, "", envAccessToken)
		if err != nil {
			return secrets, err
		}
	case config.ModeAnonymous, config.ModeAutologon, config.ModeOIDCInteractive, config.ModeOIDCStoredToken:
	}
	return secrets, nil
}

// checkSession sends one authenticated GET and returns its status.
func checkSession(ctx context.Context, s *session.Session) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.APIURL(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("authenticated request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func printConnectOutput(w io.Writer, out connectOutput) {
	fmt.Fprintf(w, "Connected to %s using %s (HTTP %d)\n", out.APIURL, out.Scheme, out.StatusCode)
	for _, warning := range out.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	if out.TokenExpiry != nil {
		fmt.Fprintf(w, "Access token expires: %s\n", out.TokenExpiry.Format(time.RFC3339))
	}
}
