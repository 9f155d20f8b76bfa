// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "jdoe", Credentials{Username: "jdoe"}.QualifiedUsername())
	assert.Equal(t, `CORP\jdoe`, Credentials{Username: "jdoe", Domain: "CORP"}.QualifiedUsername())

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("login", "creds", Credentials{Username: "jdoe", Password: "hunter2"})
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "jdoe")
}

func TestBasicTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != `CORP\jdoe` || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: BasicTransport(nil, Credentials{Username: "jdoe", Password: "secret", Domain: "CORP"})}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNTLMTransport_SendsNegotiateMessage(t *testing.T) {
	t.Parallel()

	var sawNegotiate atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "NTLM ") {
			w.Header().Set("WWW-Authenticate", "NTLM")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		msg, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "NTLM "))
		if assert.NoError(t, err) && assert.GreaterOrEqual(t, len(msg), 12) {
			assert.Equal(t, "NTLMSSP\x00", string(msg[:8]))
			// type 1 is the negotiate message
			sawNegotiate.Store(binary.LittleEndian.Uint32(msg[8:12]) == 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: NTLMTransport(nil, Credentials{Username: "jdoe", Password: "secret", Domain: "CORP"})}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sawNegotiate.Load())
}

// scriptedContext emits tok-0, tok-1, ... and records the server tokens it sees.
type scriptedContext struct {
	legs   int
	step   int
	inputs []string
	closed bool
}

func (c *scriptedContext) Step(_ context.Context, input []byte) ([]byte, bool, error) {
	if input != nil {
		c.inputs = append(c.inputs, string(input))
	}
	out := fmt.Sprintf("tok-%d", c.step)
	c.step++
	return []byte(out), c.step < c.legs, nil
}

func (c *scriptedContext) Close() error {
	c.closed = true
	return nil
}

func TestHandshakeTransport(t *testing.T) {
	t.Parallel()

	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "every leg must carry the body")

		switch r.Header.Get("Authorization") {
		case "Negotiate " + encode("tok-0"):
			w.Header().Set("WWW-Authenticate", "Negotiate "+encode("challenge"))
			w.WriteHeader(http.StatusUnauthorized)
		case "Negotiate " + encode("tok-1"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	t.Cleanup(server.Close)

	sc := &scriptedContext{legs: 2}
	transport := &handshakeTransport{
		base:       http.DefaultTransport,
		scheme:     SchemeNegotiate,
		newContext: func(*http.Request) (securityContext, error) { return sc, nil },
	}

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"challenge"}, sc.inputs)
	assert.True(t, sc.closed)
}

func TestHandshakeTransport_RejectedWithoutContinuation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", "Negotiate")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	sc := &scriptedContext{legs: 3}
	transport := &handshakeTransport{
		base:       http.DefaultTransport,
		scheme:     SchemeNegotiate,
		newContext: func(*http.Request) (securityContext, error) { return sc, nil },
	}

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, sc.step)
}
