// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package keyring

import "github.com/stacklok/apiauth/pkg/errors"

// NewKeyctlProvider always fails off Linux; the composite provider then falls
// back to the platform keyring.
func NewKeyctlProvider() (Provider, error) {
	return nil, errors.NewUnsupportedError("the kernel keyring is only available on Linux", nil)
}
