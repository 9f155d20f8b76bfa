// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the apiauth CLI.
package main

import (
	"os"

	"github.com/stacklok/apiauth/cmd/apiauth/app"
	"github.com/stacklok/apiauth/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
