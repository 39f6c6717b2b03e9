package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/sessions"
)

const serviceName = "Telugu Speech Correction API"

// RootHandler describes the service and where to open a relay session.
type RootHandler struct{}

func (h RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":            serviceName,
		"status":             "running",
		"websocket_endpoint": "/ws",
	})
}

// HealthHandler is the JSON health probe used by the browser client.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// LivenessHandler answers plain-text probes from orchestrators.
type LivenessHandler struct{}

func (h LivenessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	var issues []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:             status == http.StatusOK,
		Draining:       draining,
		ActiveSessions: h.Sessions.Count(),
		Issues:         issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
