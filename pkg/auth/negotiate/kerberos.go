// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
)

const (
	// Krb5ConfigEnvVar overrides the krb5.conf location.
	Krb5ConfigEnvVar = "KRB5_CONFIG"
	// Krb5CCacheEnvVar overrides the credential cache location.
	Krb5CCacheEnvVar = "KRB5CCNAME"

	defaultKrb5Config = "/etc/krb5.conf"
)

// KerberosConfig configures the Kerberos provider. Empty paths are resolved
// from the environment like the MIT tools do.
type KerberosConfig struct {
	Krb5ConfPath string
	CCachePath   string
	// SPN overrides the service principal, HTTP/<host> by default.
	SPN string
	// Env defaults to the process environment.
	Env env.Reader
}

// Kerberos authenticates with SPNEGO using the tickets in the user's
// credential cache, as obtained by kinit.
type Kerberos struct {
	krb5ConfPath string
	ccachePath   string
	spn          string
}

// NewKerberos resolves the configuration and credential cache paths.
func NewKerberos(cfg KerberosConfig) *Kerberos {
	envReader := cfg.Env
	if envReader == nil {
		envReader = &env.OSReader{}
	}

	k := &Kerberos{krb5ConfPath: cfg.Krb5ConfPath, ccachePath: cfg.CCachePath, spn: cfg.SPN}
	if k.krb5ConfPath == "" {
		k.krb5ConfPath = envReader.Getenv(Krb5ConfigEnvVar)
	}
	if k.krb5ConfPath == "" {
		k.krb5ConfPath = defaultKrb5Config
	}
	if k.ccachePath == "" {
		k.ccachePath = strings.TrimPrefix(envReader.Getenv(Krb5CCacheEnvVar), "FILE:")
	}
	if k.ccachePath == "" {
		k.ccachePath = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}
	return k
}

// Name implements Provider.
func (*Kerberos) Name() string {
	return "Kerberos"
}

// Available implements Provider.
func (k *Kerberos) Available() error {
	cl, err := k.client()
	if err != nil {
		return err
	}
	cl.Destroy()
	return nil
}

func (k *Kerberos) client() (*client.Client, error) {
	cfg, err := config.Load(k.krb5ConfPath)
	if err != nil {
		return nil, errors.NewUnsupportedError(
			fmt.Sprintf("Kerberos configuration could not be loaded from %s", k.krb5ConfPath), err)
	}
	ccache, err := credentials.LoadCCache(k.ccachePath)
	if err != nil {
		return nil, errors.NewUnsupportedError(
			fmt.Sprintf("no Kerberos credential cache at %s, run kinit first", k.ccachePath), err)
	}
	cl, err := client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, errors.NewUnsupportedError("Kerberos client could not be created from the credential cache", err)
	}
	return cl, nil
}

// Transport implements Provider.
func (k *Kerberos) Transport(base http.RoundTripper) (http.RoundTripper, error) {
	cl, err := k.client()
	if err != nil {
		return nil, err
	}
	logger.Debugf("Using Kerberos credential cache %s", k.ccachePath)
	return &handshakeTransport{
		base:   orDefault(base),
		scheme: SchemeNegotiate,
		newContext: func(req *http.Request) (securityContext, error) {
			spn := k.spn
			if spn == "" {
				spn = "HTTP/" + req.URL.Hostname()
			}
			return &kerberosContext{spnego: spnego.SPNEGOClient(cl, spn)}, nil
		},
	}, nil
}

// kerberosContext produces a single SPNEGO token. Kerberos needs one leg.
type kerberosContext struct {
	spnego *spnego.SPNEGO
}

func (c *kerberosContext) Step(_ context.Context, input []byte) ([]byte, bool, error) {
	if input != nil {
		return nil, false, fmt.Errorf("unexpected Kerberos continuation token")
	}
	if err := c.spnego.AcquireCred(); err != nil {
		return nil, false, fmt.Errorf("could not acquire Kerberos credentials: %w", err)
	}
	token, err := c.spnego.InitSecContext()
	if err != nil {
		return nil, false, fmt.Errorf("could not initialize SPNEGO context: %w", err)
	}
	out, err := token.Marshal()
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

func (*kerberosContext) Close() error {
	return nil
}
