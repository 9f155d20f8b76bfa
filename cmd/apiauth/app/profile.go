// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stacklok/apiauth/pkg/config"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage connection profiles",
	}

	cmd.AddCommand(newProfileListCommand())
	cmd.AddCommand(newProfileSetCommand())
	cmd.AddCommand(newProfileDeleteCommand())

	return cmd
}

func newProfileListCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(cmd.Context(), configPath())
			if err != nil {
				return err
			}
			if format == FormatJSON {
				return printJSON(cmd.OutOrStdout(), cfg)
			}

			if len(cfg.Profiles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No profiles configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tAPI URL\tDEFAULT")
			for _, name := range cfg.ProfileNames() {
				p := cfg.Profiles[name]
				def := ""
				if name == cfg.DefaultProfile {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, p.Mode, p.APIURL, def)
			}
			return w.Flush()
		},
	}
	AddFormatFlag(cmd, &format)
	return cmd
}

func newProfileSetCommand() *cobra.Command {
	var p config.Profile
	var mode string
	var makeDefault bool

	cmd := &cobra.Command{
		Use:   "set <name> <url>",
		Short: "Add or replace a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			parsed, err := config.ParseMode(mode)
			if err != nil {
				return err
			}
			profile := p
			profile.APIURL = args[1]
			profile.Mode = parsed
			if err := profile.Validate(); err != nil {
				return err
			}

			err = config.NewLocalStore(configPath()).Update(cmd.Context(), func(c *config.Config) error {
				c.SetProfile(name, &profile)
				if makeDefault || c.DefaultProfile == "" {
					c.DefaultProfile = name
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' saved\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(config.ModeAnonymous), "Authentication mode")
	cmd.Flags().StringVar(&p.Username, "username", "", "Username for credentials mode")
	cmd.Flags().StringVar(&p.Domain, "domain", "", "Domain for credentials mode")
	cmd.Flags().StringVar(&p.TokenKey, "token-key", "", "Keyring key for oidc_stored_token mode")
	cmd.Flags().DurationVar(&p.LoginTimeout, "login-timeout", 0, "Time allowed for interactive login")
	cmd.Flags().IntVar(&p.CallbackPort, "callback-port", 0, "Loopback port for the login redirect")
	cmd.Flags().BoolVar(&p.OmitAudienceOnRefresh, "omit-audience-on-refresh", false,
		"Do not send the audience parameter when refreshing tokens")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "Make this the default profile")

	return cmd
}

func newProfileDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			err := config.NewLocalStore(configPath()).Update(cmd.Context(), func(c *config.Config) error {
				if _, ok := c.Profiles[name]; !ok {
					return fmt.Errorf("profile %q not found", name)
				}
				delete(c.Profiles, name)
				if c.DefaultProfile == name {
					c.DefaultProfile = ""
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' deleted\n", name)
			return nil
		},
	}
}
