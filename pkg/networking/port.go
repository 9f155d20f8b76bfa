// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MinPort is the minimum port number to use
	MinPort = 10000
	// MaxPort is the maximum port number to use
	MaxPort = 65535
	// MaxAttempts is the maximum number of attempts to find an available port
	MaxAttempts = 10
)

// IsAvailable checks if a loopback TCP port can be bound
func IsAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindAvailable finds an available loopback port, or 0 if none is found
func FindAvailable() int {
	for i := 0; i < MaxAttempts; i++ {
		port := rand.IntN(MaxPort-MinPort) + MinPort // #nosec G404 - port selection is not security sensitive
		if IsAvailable(port) {
			return port
		}
	}

	for port := MinPort; port <= MaxPort; port++ {
		if IsAvailable(port) {
			return port
		}
	}
	return 0
}

// IsLocalhost reports whether host (with or without a port) names the loopback interface.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LoopbackPort returns the explicit port of a loopback URL such as
// http://localhost:1729. ok is false for non-loopback URLs or when no port is given.
func LoopbackPort(rawURL string) (port int, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !IsLocalhost(u.Host) || u.Port() == "" {
		return 0, false
	}
	port, err = strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > MaxPort {
		return 0, false
	}
	return port, true
}
