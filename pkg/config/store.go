// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/apiauth/pkg/logger"
)

// lockTimeout is the maximum time to wait for a file lock
const lockTimeout = 1 * time.Second

// Store defines the interface for configuration storage operations
type Store interface {
	// Load loads the configuration. A missing file yields an empty Config.
	Load(ctx context.Context) (*Config, error)
	// Save saves the configuration to storage
	Save(ctx context.Context, config *Config) error
	// Update performs a locked update operation on the configuration
	Update(ctx context.Context, updateFn func(*Config) error) error
}

// LocalStore implements Store using local file system
type LocalStore struct {
	configPath string
}

// NewLocalStore creates a store for configPath, or the default location when
// configPath is empty.
func NewLocalStore(configPath string) *LocalStore {
	return &LocalStore{
		configPath: configPath,
	}
}

func (s *LocalStore) path() (string, error) {
	if s.configPath != "" {
		return path.Clean(s.configPath), nil
	}
	configPath, err := getConfigPath()
	if err != nil {
		return "", fmt.Errorf("unable to fetch config path: %w", err)
	}
	return configPath, nil
}

// Load loads configuration from local file
func (s *LocalStore) Load(_ context.Context) (*Config, error) {
	configPath, err := s.path()
	if err != nil {
		return nil, err
	}

	// #nosec G304: the path comes from the user or xdg
	configFile, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("no configuration file at %s", configPath)
			return &Config{}, nil
		}
		return nil, fmt.Errorf("unable to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := yaml.Unmarshal(configFile, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file yaml: %w", err)
	}
	return &config, nil
}

// Save saves configuration to local file
func (s *LocalStore) Save(_ context.Context, config *Config) error {
	configPath, err := s.path()
	if err != nil {
		return err
	}
	return config.saveToPath(configPath)
}

// Update performs a locked update operation on the configuration
func (s *LocalStore) Update(ctx context.Context, updateFn func(*Config) error) error {
	configPath, err := s.path()
	if err != nil {
		return err
	}

	// Use a separate lock file for cross-platform compatibility
	fileLock := flock.New(configPath + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	// Load the config after acquiring the lock to avoid race conditions
	config, err := s.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := updateFn(config); err != nil {
		return err
	}

	if err := s.Save(ctx, config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LoadConfig loads the configuration from configPath, or from the default
// location when configPath is empty.
func LoadConfig(ctx context.Context, configPath string) (*Config, error) {
	return NewLocalStore(configPath).Load(ctx)
}
