// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// AddFormatFlag adds the --format flag to cmd.
func AddFormatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVar(format, "format", FormatText, "Output format (json or text)")
}

func validateFormat(format string) error {
	if format != FormatJSON && format != FormatText {
		return fmt.Errorf("invalid format %q, must be %q or %q", format, FormatJSON, FormatText)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}
