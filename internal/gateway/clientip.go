package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProxyTrust decides which peers may speak for a client through
// X-Forwarded-For and X-Real-IP. A nil or empty ProxyTrust trusts nobody, so
// the socket peer is always the client.
type ProxyTrust struct {
	nets []*net.IPNet
}

// NewProxyTrust parses a list of IP addresses and CIDR ranges.
func NewProxyTrust(proxies []string) (*ProxyTrust, error) {
	trust := &ProxyTrust{}
	for _, entry := range proxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			trust.nets = append(trust.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		trust.nets = append(trust.nets, ipNet)
	}
	return trust, nil
}

// Trusts reports whether ip belongs to a trusted proxy.
func (p *ProxyTrust) Trusts(ip string) bool {
	if p == nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range p.nets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the address bans and rate limits apply to. Forwarding
// headers count only when the socket peer is a trusted proxy; X-Forwarded-For
// is then read right to left and the first hop that is not itself a trusted
// proxy wins.
func (p *ProxyTrust) ClientIP(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if !p.Trusts(peer) {
		return peer
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				// Anything left of a malformed hop is unverifiable.
				break
			}
			if !p.Trusts(hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return peer
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
