// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/apiauth/pkg/secrets/keyring"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage refresh tokens cached in the OS keyring",
		Long: `The token command stores and deletes refresh tokens used by the
oidc_stored_token mode. Tokens are stored under the key name and the API URL.`,
	}

	cmd.AddCommand(newTokenStoreCommand())
	cmd.AddCommand(newTokenDeleteCommand())

	return cmd
}

func newTokenStoreCommand() *cobra.Command {
	var key, refreshToken, refreshTokenFile string

	cmd := &cobra.Command{
		Use:   "store <url>",
		Short: "Store a refresh token for an API",
		Long: `Store a refresh token for an API.

The token is read from --refresh-token, --refresh-token-file or the
APIAUTH_REFRESH_TOKEN environment variable. Otherwise it is read from
stdin, hidden when stdin is a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL := args[0]
			value, err := resolveSecret(refreshToken, refreshTokenFile, envRefreshToken)
			if err != nil {
				return err
			}
			if value == "" {
				value, err = promptSecret(cmd.ErrOrStderr(), "Enter refresh token")
				if err != nil {
					return err
				}
			}
			if value == "" {
				return fmt.Errorf("refresh token cannot be empty")
			}

			provider := newKeyring()
			if err := provider.Set(key, apiURL, value); err != nil {
				return fmt.Errorf("failed to store refresh token in %s: %w", provider.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refresh token for %s stored under '%s' in %s\n", apiURL, key, provider.Name())
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Key name to store the token under")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token to store")
	cmd.Flags().StringVar(&refreshTokenFile, "refresh-token-file", "", "File containing the refresh token")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func newTokenDeleteCommand() *cobra.Command {
	var key string
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [url]",
		Short: "Delete a stored refresh token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := newKeyring()
			if all {
				if err := provider.DeleteAll(key); err != nil {
					return fmt.Errorf("failed to delete refresh tokens: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted every refresh token stored under '%s'\n", key)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("an API URL is required unless --all is set")
			}

			err := provider.Delete(key, args[0])
			if stderrors.Is(err, keyring.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No refresh token stored under '%s' for %s\n", key, args[0])
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to delete refresh token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted refresh token for %s stored under '%s'\n", args[0], key)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Key name the token is stored under")
	cmd.Flags().BoolVar(&all, "all", false, "Delete the tokens of every API stored under the key")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
