// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/apiauth/pkg/logger"
	"github.com/stacklok/apiauth/pkg/versions"
)

// UserAgent returns the default User-Agent header value.
func UserAgent() string {
	return fmt.Sprintf("apiauth/%s %s (%s/%s)", versions.GetVersionInfo().Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// headerTransport sets fixed headers on every outgoing request.
// Configured headers replace any set by the caller; the User-Agent is only
// filled in when missing.
type headerTransport struct {
	base      http.RoundTripper
	headers   http.Header
	userAgent string
}

// NewHeaderTransport wraps base so that every request carries headers.
func NewHeaderTransport(base http.RoundTripper, headers map[string]string) http.RoundTripper {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &headerTransport{base: base, headers: h}
}

// RoundTrip adds the headers and forwards the request
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 && (t.userAgent == "" || req.Header.Get("User-Agent") != "") {
		return t.base.RoundTrip(req)
	}

	// Clone the request to avoid modifying the original
	newReq := req.Clone(req.Context())
	for k, v := range t.headers {
		newReq.Header[k] = append([]string(nil), v...)
	}
	if t.userAgent != "" && newReq.Header.Get("User-Agent") == "" {
		newReq.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(newReq)
}

// retryTransport retries idempotent requests that fail at the connection level
// or come back with a transient gateway status.
type retryTransport struct {
	base          http.RoundTripper
	maxRetries    int
	retryInterval time.Duration
}

type retryableStatusError struct {
	statusCode int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("transient status %d", e.statusCode)
}

// 400 and 401 are never retried: a rejected credential or token is not transient.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isIdempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// RoundTrip sends the request, retrying with exponential backoff
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if !isIdempotent(req.Method) || !replayable {
		return t.base.RoundTrip(req)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = t.retryInterval
	expBackoff.MaxInterval = 60 * t.retryInterval
	expBackoff.Reset()

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		attemptReq := req
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		resp, err := t.base.RoundTrip(attemptReq)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !isRetryableStatus(resp.StatusCode) || attempt > t.maxRetries {
			return resp, nil
		}

		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, DefaultErrorPreviewSize))
		_ = resp.Body.Close()
		return nil, &retryableStatusError{statusCode: resp.StatusCode}
	}

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(t.maxRetries+1)), // #nosec G115 -- +1 because it includes the initial attempt
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Retrying %s %s after %v: %v", req.Method, req.URL.Redacted(), d, err)
		}),
	)
}
