package fauxnet

import (
	"net"
	"net/netip"
	"regexp"
	"strings"
)

// Log sanitization: untrusted bytes (hostnames, paths, commands, banners)
// are never formatted into a log line verbatim (CWE-117).

var (
	ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	unsafeHostPattern = regexp.MustCompile(`[^a-zA-Z0-9.\-]`)
)

// sanitizeLogString strips ANSI escapes, replaces control characters
// with a visible placeholder, and truncates to maxLen.
func sanitizeLogString(value string, maxLen int) string {
	value = ansiEscapePattern.ReplaceAllString(value, "")
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == '\r' || r == '\n' || r == 0x7f || (r < 0x20 && r != '\t') {
			b.WriteString("[?]")
			continue
		}
		b.WriteRune(r)
	}
	value = b.String()
	if maxLen > 0 && len(value) > maxLen {
		value = value[:maxLen] + "...[truncated]"
	}
	return value
}

// sanitizeHostname keeps only RFC 1123 hostname characters and bounds
// the result to 253 bytes.
func sanitizeHostname(hostname string) string {
	if hostname == "" {
		return "<empty>"
	}
	safe := unsafeHostPattern.ReplaceAllString(hostname, "[?]")
	if len(safe) > 253 {
		safe = safe[:253]
	}
	return safe
}

// sanitizeAddr returns the validated IP of a peer address, or a
// placeholder when the address does not parse.
func sanitizeAddr(addr net.Addr) string {
	if addr == nil {
		return "<unknown>"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return "<invalid-ip>"
	}
	return ip.String()
}
