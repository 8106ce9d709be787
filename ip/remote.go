// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ip

import (
	"net"
	"net/http"
	"strings"
)

// RemoteAddr returns the client's address for logging: the first entry of
// X-Forwarded-For when a reverse proxy set it, otherwise the socket's
// remote address.
func RemoteAddr(req *http.Request) string {
	addr := req.Header.Get("X-Forwarded-For")
	if addr == "" {
		addr = req.RemoteAddr
	}
	// The header accumulates one entry per proxy hop; the first is the
	// original client.
	first := strings.TrimSpace(strings.Split(addr, ",")[0])
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	if net.ParseIP(first) != nil {
		return first
	}
	return addr
}
