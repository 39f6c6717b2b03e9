package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/handlers"
	"github.com/vango-go/tutor-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/tutor-relay/pkg/gateway/logging"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/mw"
	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/protocol"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/session"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/sessions"
	"github.com/vango-go/tutor-relay/pkg/gateway/upstream"
)

// Options overrides collaborators that are otherwise built from config.
type Options struct {
	// Connector replaces the realtime API dialer.
	Connector session.Connector
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *zerolog.Logger
	mux    *http.ServeMux

	connector     session.Connector
	sessionUpdate []byte
	metrics       *metrics.Metrics
	limiter       *ratelimit.Limiter
	lifecycle     *lifecycle.Lifecycle
	sessions      *sessions.Tracker
}

func New(cfg config.Config, logger *zerolog.Logger) (*Server, error) {
	return NewWithOptions(cfg, logger, Options{})
}

func NewWithOptions(cfg config.Config, logger *zerolog.Logger, opts Options) (*Server, error) {
	sessionCfg, err := protocol.LoadSessionConfigFile(cfg.SessionConfigFile)
	if err != nil {
		return nil, err
	}
	update, err := protocol.EncodeSessionUpdate(sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("encode session.update: %w", err)
	}

	connector := opts.Connector
	if connector == nil {
		connector = dialerConnector(upstream.Dialer{
			URL:              cfg.UpstreamURL,
			APIKey:           cfg.OpenAIAPIKey,
			Beta:             cfg.UpstreamBeta,
			HandshakeTimeout: cfg.UpstreamConnectTimeout,
		})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New("")
	}

	s := &Server{
		cfg:           cfg,
		logger:        logging.OrNop(logger),
		mux:           http.NewServeMux(),
		connector:     connector,
		sessionUpdate: update,
		metrics:       m,
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:           cfg.ConnectRPS,
			ConnectBurst:         cfg.ConnectBurst,
			MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	s.routes()
	return s, nil
}

func dialerConnector(d upstream.Dialer) session.Connector {
	return session.ConnectorFunc(func(ctx context.Context) (session.UpstreamConn, error) {
		conn, err := d.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func (s *Server) routes() {
	s.mux.Handle("GET /{$}", handlers.RootHandler{})
	s.mux.Handle("GET /health", handlers.HealthHandler{})
	s.mux.Handle("GET /healthz", handlers.LivenessHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	relay := handlers.RelayHandler{
		Config:        s.cfg,
		Upstream:      s.connector,
		SessionUpdate: s.sessionUpdate,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Lifecycle:     s.lifecycle,
		Sessions:      s.sessions,
	}
	s.mux.Handle("/ws", relay.Precheck(mw.Admit(s.limiter, s.cfg.TrustProxyHeaders, s.metrics, relay.Accept())))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining fails readiness and refuses new relay sessions.
func (s *Server) SetDraining() {
	if !s.lifecycle.BeginDrain() {
		return
	}
	live := s.sessions.Snapshot()
	ev := s.logger.Info().
		Int("active_sessions", len(live)).
		Int("clients", len(s.sessions.CountByClient()))
	if len(live) > 0 {
		ev = ev.Str("oldest_session_id", live[0].ID).
			Dur("oldest_session_age", time.Since(live[0].StartedAt))
	}
	ev.Msg("draining relay sessions")
}

func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

// WaitSessions blocks until every relay session has ended or ctx is done.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions ends every live relay session; each client is sent a
// shutdown notice first.
func (s *Server) CancelSessions() int {
	for _, info := range s.sessions.Snapshot() {
		s.logger.Info().
			Str("session_id", info.ID).
			Str("client", info.ClientKey).
			Dur("age", time.Since(info.StartedAt)).
			Msg("canceling relay session")
	}
	return s.sessions.CancelAll()
}
