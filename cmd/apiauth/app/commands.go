// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the apiauth command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/apiauth/pkg/logger"
)

// NewRootCmd creates a new root command for the apiauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "apiauth",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "apiauth negotiates authenticated sessions with HTTP APIs",
		Long: `apiauth probes an HTTP API, inspects its WWW-Authenticate challenges and
connects with the matching scheme: anonymous, Basic, NTLM, Negotiate or
OpenID Connect.

Connection settings can be kept as named profiles in the configuration file.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// pick up --debug once flags are parsed
			logger.Initialize()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default: $XDG_CONFIG_HOME/apiauth/config.yaml)")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newChallengeCommand())
	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// configPath returns the --config value, empty for the default location.
func configPath() string {
	return viper.GetString("config")
}
