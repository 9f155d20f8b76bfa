// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"net/http"
	"time"

	"github.com/stacklok/apiauth/pkg/networking"
)

// SessionConfiguration holds the transport settings for one destination,
// either the API server or the identity provider.
type SessionConfiguration struct {
	ClientCertPath     string            `yaml:"client_cert_path,omitempty"`
	ClientKeyPath      string            `yaml:"client_key_path,omitempty"`
	CABundlePath       string            `yaml:"ca_bundle_path,omitempty"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify,omitempty"`
	Headers            map[string]string `yaml:"headers,omitempty"`
	ProxyURL           string            `yaml:"proxy_url,omitempty"`
	UserAgent          string            `yaml:"user_agent,omitempty"`

	// MaxRedirects defaults to 10 when unset.
	MaxRedirects *int `yaml:"max_redirects,omitempty"`
	// RetryCount defaults to 3 when unset.
	RetryCount *int `yaml:"retry_count,omitempty"`
	// RequestTimeout defaults to 31s when zero.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// MaxRedirectsOrDefault returns MaxRedirects or the default.
func (c *SessionConfiguration) MaxRedirectsOrDefault() int {
	if c.MaxRedirects == nil {
		return networking.DefaultMaxRedirects
	}
	return *c.MaxRedirects
}

// RetryCountOrDefault returns RetryCount or the default.
func (c *SessionConfiguration) RetryCountOrDefault() int {
	if c.RetryCount == nil {
		return networking.DefaultRetries
	}
	return *c.RetryCount
}

// RequestTimeoutOrDefault returns RequestTimeout or the default.
func (c *SessionConfiguration) RequestTimeoutOrDefault() time.Duration {
	if c.RequestTimeout <= 0 {
		return networking.DefaultRequestTimeout
	}
	return c.RequestTimeout
}

// NewHTTPClient builds an HTTP client with these settings.
func (c *SessionConfiguration) NewHTTPClient() (*http.Client, error) {
	return networking.NewHttpClientBuilder().
		WithTimeout(c.RequestTimeoutOrDefault()).
		WithCABundle(c.CABundlePath).
		WithClientCertificate(c.ClientCertPath, c.ClientKeyPath).
		WithInsecureSkipVerify(c.InsecureSkipVerify).
		WithProxy(c.ProxyURL).
		WithMaxRedirects(c.MaxRedirectsOrDefault()).
		WithRetries(c.RetryCountOrDefault()).
		WithHeaders(c.Headers).
		WithUserAgent(c.UserAgent).
		Build()
}
