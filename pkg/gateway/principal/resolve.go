package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

// Resolved identifies the client behind a relay connection. The relay has no
// accounts, so clients are bucketed by address.
type Resolved struct {
	Kind Kind
	// IP is the resolved client address, empty for anonymous clients.
	IP string
	// Key is the admission bucket used by the rate limiter and tracker.
	Key string
}

func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	ip := resolveClientIP(r, trustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind: KindIP,
		IP:   ip,
		Key:  ratelimit.ClientKeyFromIP(ip),
	}
}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}

	if trustProxyHeaders {
		if ip := parseIP(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); ip != "" {
			return ip
		}
		if ip := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != "" {
			return ip
		}

		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// XFF can be "client, proxy1, proxy2". Take the left-most.
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}

	// Fallback: RemoteAddr.
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// Some proxies include a port; accept "ip:port" as well.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
