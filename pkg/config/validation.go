// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stacklok/apiauth/pkg/errors"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", errors.NewNotConfiguredError(fmt.Sprintf("unknown authentication mode '%s'", s), nil)
}

// Validate checks that the profile has what its mode needs.
func (p *Profile) Validate() error {
	if p.APIURL == "" {
		return errors.NewNotConfiguredError("api_url is required", nil)
	}
	u, err := url.Parse(p.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewNotConfiguredError(fmt.Sprintf("api_url '%s' is not an http(s) URL", p.APIURL), err)
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}

	switch p.Mode {
	case ModeCredentials:
		if p.Username == "" {
			return errors.NewNotConfiguredError("username is required for credentials mode", nil)
		}
	case ModeOIDCStoredToken:
		if p.TokenKey == "" {
			return errors.NewNotConfiguredError("token_key is required for oidc_stored_token mode", nil)
		}
	case ModeAnonymous, ModeAutologon, ModeOIDCInteractive, ModeOIDCToken:
	}

	if p.LoginTimeout < 0 {
		return errors.NewNotConfiguredError("login_timeout must not be negative", nil)
	}
	if p.CallbackPort < 0 || p.CallbackPort > 65535 {
		return errors.NewNotConfiguredError(fmt.Sprintf("callback_port %d is out of range", p.CallbackPort), nil)
	}
	return nil
}
