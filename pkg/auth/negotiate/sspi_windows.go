// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package negotiate

import (
	"context"
	"net/http"

	"github.com/alexbrainman/sspi"
	sspinegotiate "github.com/alexbrainman/sspi/negotiate"

	"github.com/stacklok/apiauth/pkg/errors"
)

// SSPI authenticates as the logged-on Windows user.
type SSPI struct{}

// Default returns the integrated authentication provider for this platform.
func Default() Provider {
	return SSPI{}
}

// Name implements Provider.
func (SSPI) Name() string {
	return "SSPI"
}

// Available implements Provider.
func (SSPI) Available() error {
	cred, err := sspinegotiate.AcquireCurrentUserCredentials()
	if err != nil {
		return errors.NewUnsupportedError("current user credentials are not available from SSPI", err)
	}
	_ = cred.Release()
	return nil
}

// Transport implements Provider.
func (SSPI) Transport(base http.RoundTripper) (http.RoundTripper, error) {
	return &handshakeTransport{
		base:   orDefault(base),
		scheme: SchemeNegotiate,
		newContext: func(req *http.Request) (securityContext, error) {
			cred, err := sspinegotiate.AcquireCurrentUserCredentials()
			if err != nil {
				return nil, errors.NewUnsupportedError("current user credentials are not available from SSPI", err)
			}
			return &sspiContext{cred: cred, target: "HTTP/" + req.URL.Hostname()}, nil
		},
	}, nil
}

type sspiContext struct {
	cred   *sspi.Credentials
	target string
	client *sspinegotiate.ClientContext
}

func (c *sspiContext) Step(_ context.Context, input []byte) ([]byte, bool, error) {
	if c.client == nil {
		client, token, err := sspinegotiate.NewClientContext(c.cred, c.target)
		if err != nil {
			return nil, false, err
		}
		c.client = client
		return token, true, nil
	}
	done, token, err := c.client.Update(input)
	if err != nil {
		return nil, false, err
	}
	return token, !done, nil
}

func (c *sspiContext) Close() error {
	if c.client != nil {
		_ = c.client.Release()
	}
	return c.cred.Release()
}
