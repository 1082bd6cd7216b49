package main

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ipHeaders are consulted in order; the first public address wins.
var ipHeaders = []string{
	"CF-Connecting-IP",
	"Client-IP",
	"X-Forwarded-For",
	"X-Forwarded",
	"X-Cluster-Client-IP",
	"Forwarded-For",
	"Forwarded",
}

// clientIP resolves the submitting client's address, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		first = strings.TrimSpace(first)
		if h == "Forwarded" {
			first = forwardedFor(first)
		}
		if addr, err := netip.ParseAddr(first); err == nil && isPublic(addr) {
			return addr.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "0.0.0.0"
	}
	return host
}

// forwardedFor extracts the for= parameter of an RFC 7239 element.
func forwardedFor(elem string) string {
	for _, part := range strings.Split(elem, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "for") {
			v = strings.Trim(v, `"`)
			v = strings.TrimPrefix(v, "[")
			if i := strings.Index(v, "]"); i >= 0 {
				v = v[:i]
			}
			return v
		}
	}
	return elem
}

func isPublic(a netip.Addr) bool {
	return a.IsValid() && !a.IsPrivate() && !a.IsLoopback() && !a.IsUnspecified() &&
		!a.IsLinkLocalUnicast() && !a.IsMulticast()
}
