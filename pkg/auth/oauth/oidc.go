// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth negotiates OpenID Connect sessions against an identity provider
// advertised in a Bearer challenge: discovery, interactive authorization with a
// loopback callback, and refresh-token based re-authentication.
package oauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/networking"
)

const wellKnownPath = ".well-known/openid-configuration"

// WellKnownConfig is the subset of the identity provider metadata used here.
// Raw holds the full document with lower-cased keys.
type WellKnownConfig struct {
	Issuer                        string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	JWKSURI                       string
	CodeChallengeMethodsSupported []string
	Raw                           map[string]any
}

// SupportsPKCE reports whether S256 PKCE should be used. Providers that do not
// advertise code_challenge_methods_supported are assumed to accept it.
func (c *WellKnownConfig) SupportsPKCE() bool {
	if len(c.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, m := range c.CodeChallengeMethodsSupported {
		if m == "S256" {
			return true
		}
	}
	return false
}

// WellKnownURL returns {authority}.well-known/openid-configuration, adding the
// separating slash when the authority lacks one.
func WellKnownURL(authority string) string {
	if !strings.HasSuffix(authority, "/") {
		authority += "/"
	}
	return authority + wellKnownPath
}

// Discover fetches and validates the identity provider metadata for authority.
// client should carry the identity provider transport settings.
func Discover(ctx context.Context, client networking.HTTPClient, authority string) (*WellKnownConfig, error) {
	wellKnown := WellKnownURL(authority)
	logger.Infof("Fetching configuration information from identity provider %s", authority)

	result, err := networking.FetchJSON[map[string]any](ctx, client, wellKnown,
		networking.WithoutContentTypeValidation(),
	)
	if err != nil {
		var httpErr *networking.HTTPError
		if stderrors.As(err, &httpErr) {
			return nil, errors.NewConnectionError(httpErr.Describe(), err)
		}
		return nil, errors.NewConnectionError(fmt.Sprintf("unable to fetch well-known configuration from %s", wellKnown), err)
	}

	raw := make(map[string]any, len(result.Data))
	for k, v := range result.Data {
		raw[strings.ToLower(k)] = v
	}

	cfg := &WellKnownConfig{
		Issuer:                stringField(raw, "issuer"),
		AuthorizationEndpoint: stringField(raw, "authorization_endpoint"),
		TokenEndpoint:         stringField(raw, "token_endpoint"),
		JWKSURI:               stringField(raw, "jwks_uri"),
		Raw:                   raw,
	}
	if methods, ok := raw["code_challenge_methods_supported"].([]any); ok {
		for _, m := range methods {
			if s, ok := m.(string); ok {
				cfg.CodeChallengeMethodsSupported = append(cfg.CodeChallengeMethodsSupported, s)
			}
		}
	}

	for k, v := range raw {
		logger.Debugf("well-known %s: %v", k, v)
	}

	var missing []string
	if cfg.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if cfg.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	switch len(missing) {
	case 0:
		return cfg, nil
	case 1:
		return nil, errors.NewConnectionError(fmt.Sprintf(
			"Unable to connect with OpenID Connect, well-known parameter '%s' was not provided", missing[0]), nil)
	default:
		return nil, errors.NewConnectionError(fmt.Sprintf(
			"Unable to connect with OpenID Connect, mandatory well-known parameters '%s' were not provided",
			strings.Join(missing, ", ")), nil)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
