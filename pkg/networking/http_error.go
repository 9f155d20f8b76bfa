// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTPError represents an HTTP error response with status code, URL, and message.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Reason is the reason phrase sent by the server.
	Reason string

	// Message is a preview of the response body, if any.
	Message string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// Describe formats the failure for users:
//
//	Request url '<url>' failed with reason <code>: <reason>.
//
// followed by the response body on the next line when there is one.
func (e *HTTPError) Describe() string {
	reason := e.Reason
	if reason == "" {
		reason = http.StatusText(e.StatusCode)
	}
	msg := fmt.Sprintf("Request url '%s' failed with reason %d: %s.", e.URL, e.StatusCode, reason)
	if e.Message != "" {
		msg += "\n" + e.Message
	}
	return msg
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, url, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Reason:     http.StatusText(statusCode),
		URL:        url,
		Message:    message,
	}
}

// NewHTTPErrorFromResponse builds an HTTPError from a response, reading at most
// DefaultErrorPreviewSize bytes of the body. The caller still owns resp.Body.
func NewHTTPErrorFromResponse(resp *http.Response) *HTTPError {
	var preview string
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, DefaultErrorPreviewSize))
		preview = strings.TrimSpace(string(body))
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		URL:        url,
		Message:    preview,
	}
}

func reasonPhrase(resp *http.Response) string {
	if reason, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}
