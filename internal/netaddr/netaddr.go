// Package netaddr classifies textual IP addresses.
package netaddr

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Parse trims s and parses it as an IP. IPv4-mapped IPv6 addresses are
// unmapped so "::ffff:10.0.0.1" classifies like "10.0.0.1".
func Parse(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IsPublic
//
// false for anything that must never be geo-looked-up or reported:
//   - unparseable input
//   - loopback (127/8, ::1)
//   - RFC1918 (10/8, 172.16/12, 192.168/16) and IPv6 ULA (fc00::/7)
//   - link-local (169.254/16, fe80::/10) unicast and multicast
//   - unspecified (0.0.0.0, ::)
func IsPublic(s string) bool {
	addr, ok := Parse(s)
	if !ok {
		return false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// SplitHostPort splits "ip:port" (or "[v6]:port"). A missing or invalid
// port comes back as 0; a value without a port comes back as host only.
func SplitHostPort(s string) (string, int) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return strings.TrimSpace(s), 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, 0
	}
	return host, p
}
