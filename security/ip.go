package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP from a request. When trustProxy is
// set, X-Forwarded-For and X-Real-IP are consulted; only enable this behind
// a trusted reverse proxy, since both headers are client-forgeable otherwise.
// trustedProxyCount is how many rightmost X-Forwarded-For entries belong to
// proxies under our control (0 is treated as 1).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client IP out of an X-Forwarded-For list.
// Format is "client, proxy1, proxy2, ..."; the rightmost entries are the
// proxies we trust, so the client sits at len(ips)-trusted-1.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}
