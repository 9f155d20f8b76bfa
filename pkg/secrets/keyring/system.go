// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"
)

const linuxOS = "linux"

// systemProvider stores secrets in the platform keyring through zalando/go-keyring:
// the macOS Keychain, the Windows Credential Manager, or the D-Bus Secret Service.
type systemProvider struct{}

// NewSystemProvider returns a Provider backed by the platform keyring.
func NewSystemProvider() Provider {
	return &systemProvider{}
}

func (*systemProvider) Set(service, key, value string) error {
	if err := keyring.Set(service, key, value); err != nil {
		return fmt.Errorf("failed to store '%s' for '%s': %w", key, service, err)
	}
	return nil
}

func (*systemProvider) Get(service, key string) (string, error) {
	value, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read '%s' for '%s': %w", key, service, err)
	}
	return value, nil
}

func (*systemProvider) Delete(service, key string) error {
	err := keyring.Delete(service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete '%s' for '%s': %w", key, service, err)
	}
	return nil
}

func (*systemProvider) DeleteAll(service string) error {
	err := keyring.DeleteAll(service)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete secrets for '%s': %w", service, err)
	}
	return nil
}

func (s *systemProvider) IsAvailable() bool {
	return probe(s)
}

func (*systemProvider) Name() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	case linuxOS:
		return "D-Bus Secret Service"
	default:
		return "System Keyring"
	}
}
