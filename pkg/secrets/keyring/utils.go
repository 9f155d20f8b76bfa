// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"fmt"
	"time"
)

const availabilityService = "apiauth-keyring-test"

// GenerateUniqueTestKey creates a unique key name used for keyring availability checks.
// Concurrent checks must not collide on the same key.
func GenerateUniqueTestKey() string {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("apiauth-probe-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("apiauth-probe-%d-%x", time.Now().UnixNano(), randomBytes)
}

// probe writes and removes a throwaway entry to see whether p works.
func probe(p Provider) bool {
	key := GenerateUniqueTestKey()
	if err := p.Set(availabilityService, key, "probe"); err != nil {
		return false
	}
	_ = p.Delete(availabilityService, key)
	return true
}
