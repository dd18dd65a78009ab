package config

import (
	"net"
	"strings"
)

// NormalizeURL turns a bare host into a full URL and drops any trailing
// slash. Loopback hosts default to http, everything else to https.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		host, _, _ := strings.Cut(raw, "/")
		if IsLoopback(host) {
			raw = "http://" + raw
		} else {
			raw = "https://" + raw
		}
	}
	return strings.TrimRight(raw, "/")
}

// IsLoopback reports whether host (with optional port) names this machine.
func IsLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
