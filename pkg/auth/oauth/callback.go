// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stacklok/apiauth/pkg/errors"
	"github.com/stacklok/apiauth/pkg/logger"
)

// DefaultCallbackPort is used when the redirect URI does not name a loopback port.
const DefaultCallbackPort = 32284

// only one interactive authorization may own the loopback port per process
var callbackSlot = semaphore.NewWeighted(1)

// CallbackResult is the redirect captured by a CallbackListener.
type CallbackResult struct {
	// URL is the full redirect URL as requested by the browser.
	URL *url.URL

	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackListener is a loopback HTTP listener that captures exactly one
// authorization redirect. It is bound when returned by Listen, so the
// authorization URL may be opened immediately afterwards.
type CallbackListener struct {
	listeners []net.Listener
	server    *http.Server
	port      int

	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once

	closeOnce sync.Once
}

// Listen binds 127.0.0.1:port and starts serving in the background. The
// same port is also bound on [::1] when the host has IPv6 loopback, since
// browsers may resolve localhost to either. A port of 0 picks a free port,
// reported by Port.
//
// It returns a bind error when the port is taken or when another authorization
// in this process still holds the listener.
func Listen(ctx context.Context, port int) (*CallbackListener, error) {
	if !callbackSlot.TryAcquire(1) {
		return nil, errors.NewBindError("another authorization is already in progress in this process", nil)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		callbackSlot.Release(1)
		return nil, errors.NewBindError(fmt.Sprintf("unable to listen for the authorization callback on port %d", port), err)
	}

	c := &CallbackListener{
		listeners: []net.Listener{l},
		port:      l.Addr().(*net.TCPAddr).Port,
		resultCh:  make(chan *CallbackResult, 1),
		errorCh:   make(chan error, 1),
	}
	if l6, err := lc.Listen(ctx, "tcp6", fmt.Sprintf("[::1]:%d", c.port)); err == nil {
		c.listeners = append(c.listeners, l6)
	} else {
		logger.Debugf("IPv6 loopback unavailable for the OAuth callback server: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/favicon.ico", http.NotFound)
	mux.HandleFunc("/", c.handleCallback)
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Debugf("Starting OAuth callback server on port %d", c.port)
	for _, listener := range c.listeners {
		go func() {
			if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				select {
				case c.errorCh <- err:
				default:
				}
			}
		}()
	}

	return c, nil
}

// Port returns the bound port.
func (c *CallbackListener) Port() int {
	return c.port
}

// Await blocks until the redirect arrives, the timeout elapses or ctx is done.
// The listener is always closed before Await returns. A timeout of zero waits
// until ctx is done.
func (c *CallbackListener) Await(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	defer c.Close()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case result := <-c.resultCh:
		return result, nil
	case err := <-c.errorCh:
		return nil, errors.NewConnectionError("authorization callback server failed", err)
	case <-expired:
		return nil, errors.NewTimeoutError(fmt.Sprintf("login was not completed within %s", timeout), nil)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("login was not completed before the deadline", ctx.Err())
		}
		return nil, fmt.Errorf("authorization cancelled: %w", ctx.Err())
	}
}

// Close stops the server, releases the port and allows the next Listen.
// It is safe to call more than once.
func (c *CallbackListener) Close() {
	c.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shutdown OAuth callback server: %v", err)
		}
		// Shutdown closes the listeners unless Serve has not started yet
		for _, l := range c.listeners {
			_ = l.Close()
		}
		callbackSlot.Release(1)
	})
}

func (c *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	result := &CallbackResult{
		URL: &url.URL{
			Scheme:   "http",
			Host:     r.Host,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		},
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	delivered := false
	c.once.Do(func() {
		c.resultCh <- result
		delivered = true
	})
	if !delivered {
		http.Error(w, "Authorization response already received", http.StatusGone)
		return
	}

	if result.Error != "" {
		writeErrorPage(w, result.Error, result.ErrorDescription)
		return
	}
	writeSuccessPage(w)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
}

const successPage = `<!DOCTYPE html>
<html>
<head>
    <title>Login successful</title>
    <meta charset="utf-8">
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        .message { padding: 20px; border-radius: 5px; background-color: #e7f6e7; border: 1px solid #b3e6b3; color: #006600; }
    </style>
</head>
<body>
    <h1>Login successful</h1>
    <div class="message">
        <p>You have been signed in. You can close this window and return to your application.</p>
    </div>
</body>
</html>`

func writeSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(successPage)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}

func writeErrorPage(w http.ResponseWriter, code, description string) {
	setSecurityHeaders(w)
	w.WriteHeader(http.StatusBadRequest)
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>Login failed</title>
    <meta charset="utf-8">
</head>
<body>
    <h1>Login failed</h1>
    <p>%s</p>
    <p>%s</p>
</body>
</html>`, html.EscapeString(code), html.EscapeString(description))
	if _, err := w.Write([]byte(page)); err != nil {
		logger.Warnf("Failed to write HTML content: %v", err)
	}
}
