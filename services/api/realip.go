package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// realIP rewrites RemoteAddr from X-Forwarded-For or X-Real-IP, but only
// when the socket peer is a trusted proxy. Every other caller keeps its
// socket address, so forged headers cannot move the IP lock or the per-IP
// buckets.
func (a *API) realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip, ok := a.forwardedClient(r); ok {
			r.RemoteAddr = net.JoinHostPort(ip.String(), "0")
		}
		next.ServeHTTP(w, r)
	})
}

// forwardedClient walks X-Forwarded-For from the right and returns the first
// hop that is not a trusted proxy. X-Real-IP is used when no
// X-Forwarded-For header is present.
func (a *API) forwardedClient(r *http.Request) (netip.Addr, bool) {
	peer, err := netip.ParseAddr(clientIP(r))
	if err != nil || !a.trusted(peer) {
		return netip.Addr{}, false
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				return netip.Addr{}, false
			}
			hop = hop.Unmap()
			if i == 0 || !a.trusted(hop) {
				return hop, true
			}
		}
	}

	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

func (a *API) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
