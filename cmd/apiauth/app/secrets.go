// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/stacklok/apiauth/pkg/logger"
)

// #nosec G101 - these are environment variable names, not credentials
const (
	envPassword     = "APIAUTH_PASSWORD"
	envRefreshToken = "APIAUTH_REFRESH_TOKEN"
	envAccessToken  = "APIAUTH_ACCESS_TOKEN"
)

// readSecretFromFile reads a secret from a file, cleaning the path and trimming whitespace
func readSecretFromFile(filePath string) (string, error) {
	// Clean the file path to prevent path traversal
	cleanPath := filepath.Clean(filePath)
	logger.Debugf("Reading secret from file: %s", cleanPath)
	// #nosec G304 - file path is cleaned above
	secretBytes, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", cleanPath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", cleanPath)
	}
	return secret, nil
}

// resolveSecret resolves a secret from multiple sources following a standard priority order.
// Priority: 1. Flag value, 2. File, 3. Environment variable
// Returns empty string (not an error) if no secret is found.
func resolveSecret(flagValue, filePath, envVarName string) (string, error) {
	if flagValue != "" {
		logger.Debug("Using secret from command-line flag")
		return flagValue, nil
	}

	if filePath != "" {
		return readSecretFromFile(filePath)
	}

	if secret := os.Getenv(envVarName); secret != "" {
		logger.Debugf("Using secret from %s environment variable", envVarName)
		return secret, nil
	}

	return "", nil
}

// stdinIsTerminal is replaced in tests
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptSecret reads a secret without echo when stdin is a terminal, or the
// whole of stdin when it is piped.
func promptSecret(out io.Writer, prompt string) (string, error) {
	if !stdinIsTerminal() {
		valueBytes, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("error reading secret from stdin: %w", err)
		}
		return strings.TrimSuffix(string(valueBytes), "\n"), nil
	}

	fmt.Fprintf(out, "%s (input will be hidden): ", prompt)
	valueBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out) // Add a newline after the hidden input
	if err != nil {
		return "", fmt.Errorf("error reading secret from terminal: %w", err)
	}
	return string(valueBytes), nil
}
