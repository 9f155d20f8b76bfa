// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

//go:generate mockgen -destination=mocks/mock_browser.go -package=mocks -source=browser.go BrowserOpener

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
)

// BrowserOpener opens the authorization URL for the user.
type BrowserOpener interface {
	OpenURL(url string) error
}

type systemBrowser struct{}

// SystemBrowser returns a BrowserOpener that uses the operating system's default browser.
func SystemBrowser() BrowserOpener {
	return systemBrowser{}
}

func (systemBrowser) OpenURL(url string) error {
	// the launcher's own output would interleave with ours
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return browser.OpenURL(url)
}

// generateState generates a random state parameter
func generateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}

// extractJWTClaims extracts claims from a JWT without validating it.
// Opaque access tokens return an error.
func extractJWTClaims(tokenString string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to extract claims")
	}
	return claims, nil
}
