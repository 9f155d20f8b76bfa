// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package negotiate

// Default returns the integrated authentication provider for this platform.
func Default() Provider {
	return NewKerberos(KerberosConfig{})
}
