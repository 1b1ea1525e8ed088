package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"http-tarpit/internal/netaddr"
)

// ------------------------------------------------------------
// Address helpers
//
// The tarpit usually sits behind a reverse proxy (or an iptables
// redirect plus proxy), so RemoteAddr is the proxy and the scanner's
// address has to come from forwarding headers.
// ------------------------------------------------------------

// clientIP
//
// Order:
//  1. X-Forwarded-For → first entry, only if it parses as an IP
//  2. X-Real-IP → only if it parses as an IP
//  3. peer address
//
// The first XFF entry is taken as-is even if it is private; the gate does
// the filtering.
func clientIP(r *http.Request, peerIP string) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, ok := netaddr.Parse(first); ok {
			return addr.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, ok := netaddr.Parse(xri); ok {
			return addr.String()
		}
	}

	return peerIP
}

// peerAddr splits RemoteAddr. An unparseable value is returned whole with
// port 0.
func peerAddr(r *http.Request) (string, int) {
	return netaddr.SplitHostPort(r.RemoteAddr)
}

// targetPort
//
// Reads the port the scanner originally hit from header. Empty → 0 with no
// error; anything that is not 1..65535 → 0 with an error for the caller to
// log.
func targetPort(r *http.Request, header string) (int, error) {
	if header == "" {
		return 0, nil
	}
	v := strings.TrimSpace(r.Header.Get(header))
	if v == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid %s value %q", header, v)
	}
	return p, nil
}

// headerMap flattens the request headers, keeping the first value of every
// canonical key, and adds Host (which net/http strips from r.Header).
func headerMap(r *http.Request) map[string]string {
	m := make(map[string]string, len(r.Header)+1)
	for k, vs := range r.Header {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	if r.Host != "" {
		m["Host"] = r.Host
	}
	return m
}
