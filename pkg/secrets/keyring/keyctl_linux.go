// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package keyring

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// keyctlProvider keeps secrets in the kernel user keyring. It is the fallback
// on headless Linux hosts where no Secret Service is running.
type keyctlProvider struct {
	ringID int
	mu     sync.Mutex
	keys   map[string]map[string]int // service -> key -> keyid
}

// NewKeyctlProvider creates a Provider backed by the Linux user keyring.
func NewKeyctlProvider() (Provider, error) {
	ringID, err := unix.KeyctlGetKeyringID(unix.KEY_SPEC_USER_KEYRING, false)
	if err != nil {
		return nil, fmt.Errorf("could not get user keyring: %w", err)
	}

	// Link to thread keyring for reads
	_, err = unix.KeyctlInt(unix.KEYCTL_LINK, ringID, unix.KEY_SPEC_THREAD_KEYRING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to link user keyring to thread keyring: %w", err)
	}

	return &keyctlProvider{
		ringID: ringID,
		keys:   make(map[string]map[string]int),
	}, nil
}

func keyctlName(service, key string) string {
	return fmt.Sprintf("%s:%s", service, key)
}

func (k *keyctlProvider) Set(service, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keyID, err := unix.AddKey("user", keyctlName(service, key), []byte(value), k.ringID)
	if err != nil {
		return fmt.Errorf("failed to set key '%s' in user keyring: %w", keyctlName(service, key), err)
	}

	if k.keys[service] == nil {
		k.keys[service] = make(map[string]int)
	}
	k.keys[service][key] = keyID
	return nil
}

func (k *keyctlProvider) Get(service, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	name := keyctlName(service, key)
	keyID, err := unix.KeyctlSearch(k.ringID, "user", name, 0)
	if err != nil {
		return "", ErrNotFound
	}

	// refresh tokens from some identity providers exceed 2KiB
	const bufSize = 16 * 1024
	buf := make([]byte, bufSize)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, buf, bufSize)
	if err != nil {
		return "", fmt.Errorf("read of key '%s' failed: %w", name, err)
	}
	if n > bufSize {
		return "", fmt.Errorf("buffer too small for keyring payload")
	}
	return string(buf[:n]), nil
}

func (k *keyctlProvider) Delete(service, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.deleteLocked(service, key)
}

func (k *keyctlProvider) deleteLocked(service, key string) error {
	name := keyctlName(service, key)
	keyID, err := unix.KeyctlSearch(k.ringID, "user", name, 0)
	if err != nil {
		// not found is not an error for Delete
		return nil
	}

	if _, err := unix.KeyctlInt(unix.KEYCTL_REVOKE, keyID, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to delete key '%s': %w", name, err)
	}

	if serviceKeys, ok := k.keys[service]; ok {
		delete(serviceKeys, key)
		if len(serviceKeys) == 0 {
			delete(k.keys, service)
		}
	}
	return nil
}

// DeleteAll only removes keys written by this process; the kernel keyring
// offers no listing by prefix.
func (k *keyctlProvider) DeleteAll(service string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var lastErr error
	for key := range k.keys[service] {
		if err := k.deleteLocked(service, key); err != nil {
			lastErr = err
		}
	}
	delete(k.keys, service)
	return lastErr
}

func (k *keyctlProvider) IsAvailable() bool {
	return probe(k)
}

func (*keyctlProvider) Name() string {
	return "Linux Keyctl"
}
