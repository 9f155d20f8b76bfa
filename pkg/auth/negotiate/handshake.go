// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stacklok/apiauth/pkg/auth/challenge"
	"github.com/stacklok/apiauth/pkg/logger"
)

// maxLegs bounds the number of round trips in one handshake.
const maxLegs = 5

// securityContext produces the tokens of one handshake.
//
// The first Step is called with a nil input. Implementations are not safe for
// concurrent use; every request gets its own context.
type securityContext interface {
	Step(ctx context.Context, input []byte) (output []byte, continueNeeded bool, err error)
	Close() error
}

// contextFactory creates the security context for a request.
type contextFactory func(req *http.Request) (securityContext, error)

// handshakeTransport sends Authorization: <scheme> <token> and keeps stepping
// the security context while the server answers 401 with a continuation token.
type handshakeTransport struct {
	base       http.RoundTripper
	scheme     string
	newContext contextFactory
}

func (t *handshakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	sc, err := t.newContext(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sc.Close(); err != nil {
			logger.Debugf("Failed to release %s security context: %v", t.scheme, err)
		}
	}()

	token, continueNeeded, err := sc.Step(req.Context(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create initial token: %w", t.scheme, err)
	}

	for leg := 1; ; leg++ {
		r, err := rewind(req, leg)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", t.scheme+" "+base64.StdEncoding.EncodeToString(token))

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || !continueNeeded || leg >= maxLegs {
			return resp, nil
		}

		input := serverToken(resp, t.scheme)
		if input == nil {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		token, continueNeeded, err = sc.Step(req.Context(), input)
		if err != nil {
			return nil, fmt.Errorf("%s: handshake step %d failed: %w", t.scheme, leg, err)
		}
	}
}

// rewind returns a copy of req that can be sent again.
func rewind(req *http.Request, leg int) (*http.Request, error) {
	r := req.Clone(req.Context())
	if leg == 1 || req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed for a multi-leg handshake")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r.Body = body
	return r, nil
}

// serverToken extracts the continuation token for scheme from the
// WWW-Authenticate headers of resp.
func serverToken(resp *http.Response, scheme string) []byte {
	for _, value := range resp.Header.Values("WWW-Authenticate") {
		set, err := challenge.Parse(value)
		if err != nil {
			logger.Debugf("Ignoring unparsable WWW-Authenticate header: %v", err)
			continue
		}
		c, ok := set.Get(scheme)
		if !ok || c.Credential == "" {
			continue
		}
		token, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Credential))
		if err != nil {
			logger.Debugf("Ignoring %s token that is not base64: %v", scheme, err)
			continue
		}
		return token
	}
	return nil
}
