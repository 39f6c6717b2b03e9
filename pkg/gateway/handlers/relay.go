package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vango-go/tutor-relay/pkg/gateway/apierror"
	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/tutor-relay/pkg/gateway/logging"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/mw"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/session"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/sessions"
)

const (
	rejectDraining    = "draining"
	rejectOrigin      = "origin"
	rejectNotUpgrade  = "not_upgrade"
	rejectUpgradeFail = "upgrade_failed"
)

// RelayHandler handles /ws. Each accepted connection gets its own upstream
// realtime session for as long as the browser stays connected.
type RelayHandler struct {
	Config        config.Config
	Upstream      session.Connector
	SessionUpdate []byte
	Logger        *zerolog.Logger
	Metrics       *metrics.Metrics
	Lifecycle     *lifecycle.Lifecycle
	Sessions      *sessions.Tracker
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.reject(w, r) {
		return
	}
	h.serveSession(w, r)
}

// Precheck answers requests that can never become a session before next
// runs. Wrapping admission with it keeps such requests from spending a
// client's connect tokens.
func (h RelayHandler) Precheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.reject(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Accept upgrades requests that already passed Precheck.
func (h RelayHandler) Accept() http.Handler {
	return http.HandlerFunc(h.serveSession)
}

// reject writes the error response and reports true when r cannot be
// upgraded.
func (h RelayHandler) reject(w http.ResponseWriter, r *http.Request) bool {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return true
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordRejected(rejectDraining)
		apierror.Write(w, &apierror.Error{Type: apierror.ErrUnavailable, Message: "relay is draining", Code: rejectDraining, RequestID: reqID})
		return true
	}
	if !mw.IsWebSocketUpgrade(r) {
		h.Metrics.RecordRejected(rejectNotUpgrade)
		apierror.Write(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required", RequestID: reqID})
		return true
	}
	if !h.originAllowed(r) {
		h.Metrics.RecordRejected(rejectOrigin)
		apierror.Write(w, &apierror.Error{Type: apierror.ErrForbidden, Message: "origin is not allowed", Code: "origin_not_allowed", RequestID: reqID})
		return true
	}
	return false
}

func (h RelayHandler) serveSession(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	var respHeader http.Header
	if reqID != "" {
		respHeader = http.Header{"X-Request-ID": []string{reqID}}
	}
	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.Metrics.RecordRejected(rejectUpgradeFail)
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	sessionID := "sess_" + uuid.NewString()
	client, _ := mw.ClientFrom(r.Context())
	logger := logging.OrNop(h.Logger).With().
		Str("request_id", reqID).
		Str("client", client.Key).
		Logger()

	s, err := session.New(r.Context(), session.Dependencies{
		ID:            sessionID,
		Client:        conn,
		Upstream:      h.Upstream,
		SessionUpdate: h.SessionUpdate,
		Config: session.Config{
			ConnectTimeout:  h.Config.UpstreamConnectTimeout,
			WriteTimeout:    h.Config.WSWriteTimeout,
			TeardownTimeout: h.Config.TeardownTimeout,
		},
		Logger:  &logger,
		Metrics: h.Metrics,
	})
	if err != nil {
		logger.Error().Err(err).Msg("create relay session")
		h.closeConn(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		ClientKey: client.Key,
		Cancel:    s.Cancel,
	})
	defer unregister()

	start := time.Now()
	logger.Info().Str("session_id", sessionID).Msg("relay session started")
	runErr := s.Run()

	code, text := closeCodeFor(runErr)
	h.closeConn(conn, code, text)

	ev := logger.Info()
	if runErr != nil && !errors.Is(runErr, session.ErrShutdown) {
		ev = logger.Warn().Err(runErr)
	}
	ev.Str("session_id", sessionID).
		Str("reason", string(s.EndReason())).
		Dur("duration", time.Since(start)).
		Msg("relay session ended")
}

// originAllowed lets non-browser clients (no Origin header) through and holds
// browsers to the CORS allowlist.
func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}

func (h RelayHandler) closeConn(conn *websocket.Conn, code int, text string) {
	timeout := h.Config.WSWriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
}

func closeCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, session.ErrShutdown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, session.ErrUpstreamConnect):
		return websocket.CloseTryAgainLater, "realtime API unavailable"
	default:
		return websocket.CloseInternalServerErr, "relay error"
	}
}
