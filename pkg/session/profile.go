// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/stacklok/apiauth/pkg/auth/negotiate"
	"github.com/stacklok/apiauth/pkg/auth/oauth"
	"github.com/stacklok/apiauth/pkg/config"
	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/secrets/keyring"
)

// Secrets carries the values a profile never stores on disk.
type Secrets struct {
	Password     string
	RefreshToken string
	AccessToken  string
}

// Dependencies are the platform integrations used by FromProfile.
// Nil fields fall back to the platform defaults.
type Dependencies struct {
	NegotiateProvider negotiate.Provider
	Browser           oauth.BrowserOpener
	Keyring           keyring.Provider
}

// FromProfile validates profile and negotiates a session in its mode.
func FromProfile(ctx context.Context, profile *config.Profile, secrets Secrets, deps Dependencies) (*Session, error) {
	if profile == nil {
		return nil, errors.NewNotConfiguredError("a profile is required", nil)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	mode, err := config.ParseMode(string(profile.Mode))
	if err != nil {
		return nil, err
	}

	if deps.Keyring == nil && mode == config.ModeOIDCStoredToken {
		deps.Keyring = keyring.NewCompositeProvider()
	}

	n, err := New(Config{
		APIURL:            profile.APIURL,
		API:               profile.API,
		IdP:               profile.IdP,
		NegotiateProvider: deps.NegotiateProvider,
		Browser:           deps.Browser,
		Keyring:           deps.Keyring,
	})
	if err != nil {
		return nil, err
	}

	switch mode {
	case config.ModeAnonymous:
		return n.WithAnonymous(ctx)
	case config.ModeCredentials:
		return n.WithCredentials(ctx, profile.Username, secrets.Password, profile.Domain)
	case config.ModeAutologon:
		return n.WithAutologon(ctx)
	}

	b, err := n.WithOIDC(ctx, OIDCOptions{
		OmitAudienceOnRefresh: profile.OmitAudienceOnRefresh,
		CallbackPort:          profile.CallbackPort,
		LoginTimeout:          profile.LoginTimeout,
	})
	if err != nil {
		return nil, err
	}
	switch mode {
	case config.ModeOIDCInteractive:
		return b.AuthorizeInteractively(ctx)
	case config.ModeOIDCToken:
		return b.WithProvidedToken(ctx, secrets.RefreshToken, secrets.AccessToken)
	case config.ModeOIDCStoredToken:
		return b.WithStoredToken(ctx, profile.TokenKey)
	default:
		return nil, errors.NewNotConfiguredError(fmt.Sprintf("unknown authentication mode '%s'", mode), nil)
	}
}
