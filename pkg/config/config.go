// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the transport settings and named connection
// profiles used to negotiate API sessions.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Mode selects how a profile authenticates.
type Mode string

// Authentication modes
const (
	ModeAnonymous       Mode = "anonymous"
	ModeCredentials     Mode = "credentials"
	ModeAutologon       Mode = "autologon"
	ModeOIDCInteractive Mode = "oidc_interactive"
	ModeOIDCToken       Mode = "oidc_token"
	ModeOIDCStoredToken Mode = "oidc_stored_token"
)

// Modes lists every supported Mode.
var Modes = []Mode{
	ModeAnonymous,
	ModeCredentials,
	ModeAutologon,
	ModeOIDCInteractive,
	ModeOIDCToken,
	ModeOIDCStoredToken,
}

// Profile describes how to connect to one API.
type Profile struct {
	APIURL string `yaml:"api_url"`
	Mode   Mode   `yaml:"mode"`

	// Username and Domain are used by ModeCredentials. The password is never
	// stored in the file.
	Username string `yaml:"username,omitempty"`
	Domain   string `yaml:"domain,omitempty"`

	// TokenKey is the keyring service name for ModeOIDCStoredToken.
	TokenKey string `yaml:"token_key,omitempty"`

	LoginTimeout          time.Duration `yaml:"login_timeout,omitempty"`
	OmitAudienceOnRefresh bool          `yaml:"omit_audience_on_refresh,omitempty"`
	CallbackPort          int           `yaml:"callback_port,omitempty"`

	API SessionConfiguration `yaml:"api,omitempty"`
	IdP SessionConfiguration `yaml:"idp,omitempty"`
}

// Config is the apiauth configuration file.
type Config struct {
	DefaultProfile string              `yaml:"default_profile,omitempty"`
	Profiles       map[string]*Profile `yaml:"profiles,omitempty"`
}

// defaultPathGenerator generates the default config path using xdg
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("apiauth/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests
var getConfigPath = defaultPathGenerator

// Profile returns the named profile, or the default profile when name is empty.
func (c *Config) Profile(name string) (*Profile, error) {
	if name == "" {
		name = c.DefaultProfile
	}
	if name == "" {
		return nil, fmt.Errorf("no profile name given and no default profile is configured")
	}
	p, ok := c.Profiles[name]
	if !ok || p == nil {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return p, nil
}

// ProfileNames returns the profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetProfile adds or replaces a profile.
func (c *Config) SetProfile(name string, p *Profile) {
	if c.Profiles == nil {
		c.Profiles = map[string]*Profile{}
	}
	c.Profiles[name] = p
}

// saveToPath serializes the config struct and writes it to a specific path.
func (c *Config) saveToPath(configPath string) error {
	configBytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing config file: %w", err)
	}

	err = os.WriteFile(configPath, configBytes, 0600)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
