// Package hostutil validates host components of ingest and output URLs.
package hostutil

import (
	"fmt"
	"net"
	"strings"
	"unicode"
)

// ValidateHost accepts an IPv4 literal, an IPv6 literal, or an RFC 1123
// hostname. The shape is detected first so a malformed IP never falls back to
// hostname rules.
func ValidateHost(raw string) error {
	switch {
	case looksLikeIPv4(raw):
		if !validateIPv4(raw) {
			return fmt.Errorf("bad IP: '%s'", raw)
		}
	case looksLikeIPv6(raw):
		if !validateIPv6(raw) {
			return fmt.Errorf("bad IPv6: '%s'", raw)
		}
	default:
		if !validateHostname(raw) {
			return fmt.Errorf("bad hostname: '%s'", raw)
		}
	}
	return nil
}

// looksLikeIPv4 reports a dotted-quad shape (all-digit labels).
func looksLikeIPv4(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return false
			}
		}
	}
	return true
}

func validateIPv4(raw string) bool {
	ip := net.ParseIP(raw)
	return ip != nil && ip.To4() != nil
}

func looksLikeIPv6(raw string) bool {
	return strings.Contains(raw, ":") || (strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"))
}

func validateIPv6(raw string) bool {
	ip := net.ParseIP(raw)
	return ip != nil && ip.To16() != nil && ip.To4() == nil
}

// validateHostname checks RFC 1123 label rules.
func validateHostname(raw string) bool {
	if len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(raw, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return false
			}
			if (i == 0 || i == len(label)-1) && r == '-' {
				return false
			}
		}
	}
	return true
}
