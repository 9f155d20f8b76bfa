// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/apiauth/pkg/auth/challenge"
)

func newChallengeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenge",
		Short: "Inspect WWW-Authenticate challenges",
	}
	cmd.AddCommand(newChallengeParseCommand())
	return cmd
}

type challengeOutput struct {
	Scheme     string            `json:"scheme"`
	Kind       string            `json:"kind"`
	Credential string            `json:"credential,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

func newChallengeParseCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "parse <header>...",
		Short: "Parse a WWW-Authenticate header value",
		Long: `Parse a WWW-Authenticate header value and print every challenge it contains.
Several arguments are joined as if they were separate header lines.

Example:
  apiauth challenge parse 'Bearer authority="https://idp.example.com/", clientid="abc", Negotiate'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			set, err := challenge.Parse(strings.Join(args, ", "))
			if err != nil {
				return err
			}
			if format == FormatJSON {
				return printJSON(cmd.OutOrStdout(), challengesToOutput(set))
			}
			printChallenges(cmd.OutOrStdout(), set)
			return nil
		},
	}
	AddFormatFlag(cmd, &format)
	return cmd
}

func challengesToOutput(set *challenge.Set) []challengeOutput {
	out := make([]challengeOutput, 0, set.Len())
	for _, c := range set.All() {
		o := challengeOutput{Scheme: c.Scheme, Kind: c.Kind().String(), Credential: c.Credential}
		if c.Params.Len() > 0 {
			o.Params = make(map[string]string, c.Params.Len())
			for _, p := range c.Params.All() {
				o.Params[p.Name] = p.Value
			}
		}
		out = append(out, o)
	}
	return out
}

func printChallenges(w io.Writer, set *challenge.Set) {
	for _, c := range set.All() {
		fmt.Fprintf(w, "%s (%s)\n", c.Scheme, c.Kind())
		if c.Credential != "" {
			fmt.Fprintf(w, "  credential: %s\n", c.Credential)
		}
		for _, p := range c.Params.All() {
			fmt.Fprintf(w, "  %s: %s\n", p.Name, p.Value)
		}
	}
}
