// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"fmt"
	"strings"

	"github.com/stacklok/apiauth/pkg/auth/challenge"
	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/networking"
)

// Bearer challenge parameter names
const (
	ParamRedirectURI = "redirecturi"
	ParamAuthority   = "authority"
	ParamClientID    = "clientid"
	ParamScope       = "scope"
	ParamAPIAudience = "apiAudience"
)

// BearerRequirements are the identity provider settings advertised by an
// API server in its Bearer challenge.
type BearerRequirements struct {
	Authority   string
	ClientID    string
	RedirectURI string
	Scopes      []string
	// APIAudience is empty when the server does not require one.
	APIAudience string
}

// BearerRequirementsFromChallenges extracts BearerRequirements from a parsed
// WWW-Authenticate header. It fails with a connection error when the server
// does not offer Bearer, or naming every mandatory parameter that is missing.
func BearerRequirementsFromChallenges(set *challenge.Set) (*BearerRequirements, error) {
	bearer, ok := set.Get("Bearer")
	if !ok {
		logger.Debugf("Detected authentication methods: %s", strings.Join(set.Schemes(), ", "))
		return nil, errors.NewConnectionError("Unable to connect with OpenID Connect, not supported on this server", nil)
	}
	logger.Debugf("Detected bearer configuration parameters: %s", strings.Join(bearer.Params.Keys(), ", "))

	var missing []string
	for _, name := range []string{ParamRedirectURI, ParamAuthority, ParamClientID} {
		if v, ok := bearer.Param(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	switch len(missing) {
	case 0:
	case 1:
		return nil, errors.NewConnectionError(fmt.Sprintf(
			"Unable to connect with OpenID Connect, mandatory header '%s' was not provided", missing[0]), nil)
	default:
		return nil, errors.NewConnectionError(fmt.Sprintf(
			"Unable to connect with OpenID Connect, mandatory headers '%s' were not provided",
			strings.Join(missing, ", ")), nil)
	}

	req := &BearerRequirements{}
	req.RedirectURI, _ = bearer.Param(ParamRedirectURI)
	req.Authority, _ = bearer.Param(ParamAuthority)
	req.ClientID, _ = bearer.Param(ParamClientID)
	req.APIAudience, _ = bearer.Param(ParamAPIAudience)
	if scope, ok := bearer.Param(ParamScope); ok {
		req.Scopes = strings.Fields(scope)
	}
	return req, nil
}

// CallbackPort returns the loopback port named by the redirect URI, or
// DefaultCallbackPort when it does not name one.
func (r *BearerRequirements) CallbackPort() int {
	if port, ok := networking.LoopbackPort(r.RedirectURI); ok {
		return port
	}
	return DefaultCallbackPort
}

// HasScope reports whether scope was requested.
func (r *BearerRequirements) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
