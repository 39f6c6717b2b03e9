package mw

import (
	"net/http"
	"strings"
)

// Every method is allowed. A literal "*" is not honored on credentialed
// requests, so the methods are listed.
var corsAllowedMethods = strings.Join([]string{
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
}, ", ")

// corsDefaultHeaders answers preflights that name no request headers.
var corsDefaultHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
}, ", ")

var corsExposedHeaders = "X-Request-ID"

// CORS allowlists browser origins. Credentials are allowed, so the origin is
// always echoed rather than "*".
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !OriginAllowed(allowed, origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			// Any header is allowed; echo what the browser asked for.
			allowHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if allowHeaders == "" {
				allowHeaders = corsDefaultHeaders
			} else {
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if OriginAllowed(allowed, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}

		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether origin is in the allowlist. An empty origin
// or allowlist never matches.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return false
	}
	_, ok := allowed[origin]
	return ok
}
