package mw

import (
	"net/http"
	"strings"
)

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket
// protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	if r == nil || !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
