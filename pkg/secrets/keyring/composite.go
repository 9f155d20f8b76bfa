// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stacklok/apiauth/pkg/logger"
)

// compositeProvider delegates to the first available backend.
type compositeProvider struct {
	providers []Provider
	mu        sync.Mutex
	active    Provider
}

// NewCompositeProvider returns the default Provider: the platform keyring,
// falling back to the kernel keyring on Linux.
func NewCompositeProvider() Provider {
	providers := []Provider{NewSystemProvider()}
	if keyctl, err := NewKeyctlProvider(); err == nil {
		providers = append(providers, keyctl)
	}
	return newCompositeProvider(providers...)
}

func newCompositeProvider(providers ...Provider) *compositeProvider {
	return &compositeProvider{providers: providers}
}

func (c *compositeProvider) getActiveProvider() Provider {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active
	}
	for _, p := range c.providers {
		if p.IsAvailable() {
			logger.Debugf("Using keyring backend: %s", p.Name())
			c.active = p
			return p
		}
	}
	return nil
}

func (c *compositeProvider) Set(service, key, value string) error {
	p := c.getActiveProvider()
	if p == nil {
		return fmt.Errorf("no keyring backend available")
	}
	return p.Set(service, key, value)
}

func (c *compositeProvider) Get(service, key string) (string, error) {
	p := c.getActiveProvider()
	if p == nil {
		return "", fmt.Errorf("no keyring backend available")
	}
	return p.Get(service, key)
}

func (c *compositeProvider) Delete(service, key string) error {
	p := c.getActiveProvider()
	if p == nil {
		return fmt.Errorf("no keyring backend available")
	}
	return p.Delete(service, key)
}

func (c *compositeProvider) DeleteAll(service string) error {
	p := c.getActiveProvider()
	if p == nil {
		return fmt.Errorf("no keyring backend available")
	}
	return p.DeleteAll(service)
}

func (c *compositeProvider) IsAvailable() bool {
	return c.getActiveProvider() != nil
}

func (c *compositeProvider) Name() string {
	if p := c.getActiveProvider(); p != nil {
		return p.Name()
	}
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "Composite (" + strings.Join(names, ", ") + ")"
}
