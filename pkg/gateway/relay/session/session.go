package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/tutor-relay/pkg/gateway/logging"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/protocol"
)

var (
	// ErrUpstreamConnect means the realtime API could not be reached or
	// rejected the handshake. The client has been sent an error frame.
	ErrUpstreamConnect = errors.New("upstream connect failed")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrShutdown is the cancel cause used when the server drains sessions.
	ErrShutdown = errors.New("server shutting down")

	errClientClosed   = errors.New("client closed")
	errUpstreamClosed = errors.New("upstream closed")
)

const (
	SideClient   = "client"
	SideUpstream = "upstream"
)

// TransportError is an unexpected read or write failure on one of the two
// connections.
type TransportError struct {
	Side string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// EndReason labels how a session finished.
type EndReason string

const (
	EndClientClosed          EndReason = "client_closed"
	EndUpstreamClosed        EndReason = "upstream_closed"
	EndUpstreamConnectFailed EndReason = "upstream_connect_failed"
	EndTransportError        EndReason = "transport_error"
	EndShutdown              EndReason = "shutdown"
	EndCanceled              EndReason = "canceled"
)

// DownstreamConn is the browser side of a session.
type DownstreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// UpstreamConn is the realtime API side of a session. The session owns it and
// closes it exactly once.
type UpstreamConn interface {
	DownstreamConn
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (UpstreamConn, error)
}

type ConnectorFunc func(ctx context.Context) (UpstreamConn, error)

func (f ConnectorFunc) Connect(ctx context.Context) (UpstreamConn, error) { return f(ctx) }

type Config struct {
	// ConnectTimeout bounds the upstream dial including the handshake.
	ConnectTimeout time.Duration
	// WriteTimeout is applied to every frame written on either connection.
	WriteTimeout time.Duration
	// TeardownTimeout bounds how long the session waits for the upstream
	// reader to stop before closing the upstream connection under it.
	TeardownTimeout time.Duration
}

type Dependencies struct {
	ID       string
	Client   DownstreamConn
	Upstream Connector
	// SessionUpdate is the encoded session.update frame sent before any
	// client traffic.
	SessionUpdate []byte
	Config        Config
	Logger        *zerolog.Logger
	Metrics       *metrics.Metrics
}

// Session relays one browser connection to one realtime API connection.
type Session struct {
	id            string
	client        DownstreamConn
	clientOut     *clientWriter
	connector     Connector
	sessionUpdate []byte
	cfg           Config
	log           zerolog.Logger
	metrics       *metrics.Metrics

	ctx    context.Context
	cancel context.CancelCauseFunc

	upstream      UpstreamConn
	upstreamClose sync.Once
	readers       errgroup.Group

	started atomic.Bool
	reason  atomic.Value
}

func New(parent context.Context, deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is nil")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream connector is nil")
	}
	if len(deps.SessionUpdate) == 0 {
		return nil, fmt.Errorf("session update is empty")
	}
	if parent == nil {
		parent = context.Background()
	}
	cfg := deps.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}

	s := &Session{
		id:            deps.ID,
		client:        deps.Client,
		clientOut:     &clientWriter{conn: deps.Client, timeout: cfg.WriteTimeout},
		connector:     deps.Upstream,
		sessionUpdate: deps.SessionUpdate,
		cfg:           cfg,
		log:           logging.OrNop(deps.Logger).With().Str("session_id", deps.ID).Logger(),
		metrics:       deps.Metrics,
	}
	s.ctx, s.cancel = context.WithCancelCause(parent)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Cancel ends the session as part of a server shutdown. The client is told
// why before its connection is released.
func (s *Session) Cancel() {
	s.cancel(ErrShutdown)
}

// EndReason is empty until Run returns.
func (s *Session) EndReason() EndReason {
	r, _ := s.reason.Load().(EndReason)
	return r
}

// Run relays frames until either side disconnects, a transport error occurs,
// or the session is canceled. Normal disconnects return nil. Run may only be
// called once.
func (s *Session) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s already started", s.id)
	}
	start := time.Now()
	s.metrics.RecordSessionStart()
	defer func() {
		s.metrics.RecordSessionEnd(string(s.EndReason()), time.Since(start))
	}()
	defer s.cancel(context.Canceled)

	up, err := s.connect()
	if err != nil {
		if cause := context.Cause(s.ctx); s.ctx.Err() != nil {
			return s.finish(cause)
		}
		s.setReason(EndUpstreamConnectFailed)
		s.log.Error().Err(err).Msg("upstream connect failed")
		s.notify("failed to connect to realtime API: " + err.Error())
		return fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
	}
	s.upstream = up
	defer s.closeUpstream()

	if err := s.writeUpstream(s.sessionUpdate); err != nil {
		return s.finish(&TransportError{Side: SideUpstream, Op: "send session.update", Err: err})
	}
	s.log.Info().Msg("session configured")

	// Canceling the session context unblocks any pending read on both sides.
	stop := context.AfterFunc(s.ctx, s.interruptReads)
	defer stop()

	s.readers.Go(s.pumpUpstream)
	cause := s.pumpClient()
	s.cancel(cause)
	s.teardown()
	return s.finish(context.Cause(s.ctx))
}

func (s *Session) connect() (UpstreamConn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	up, err := s.connector.Connect(ctx)
	s.metrics.RecordUpstreamConnect(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	if up == nil {
		return nil, fmt.Errorf("connector returned no connection")
	}
	return up, nil
}

// pumpClient is the foreground loop. It returns the cause that ends the
// session.
func (s *Session) pumpClient() error {
	for {
		in := receive(s.client)
		if in.kind != inboundMessage && in.kind != inboundParseFailed && s.ctx.Err() != nil {
			return context.Cause(s.ctx)
		}
		switch in.kind {
		case inboundMessage:
			if err := s.writeUpstream(in.data); err != nil {
				if s.ctx.Err() != nil {
					return context.Cause(s.ctx)
				}
				return &TransportError{Side: SideUpstream, Op: "write", Err: err}
			}
			s.metrics.RecordFrame(metrics.DirectionClientToUpstream, len(in.data))
		case inboundParseFailed:
			s.metrics.RecordInvalidClientFrame()
			s.log.Debug().Int("bytes", len(in.data)).Msg("client frame is not valid json")
			if err := s.clientOut.write(websocket.TextMessage, protocol.EncodeError(protocol.InvalidJSONMessage)); err != nil {
				if clientWriteGone(err) {
					return errClientClosed
				}
				return &TransportError{Side: SideClient, Op: "write", Err: err}
			}
		case inboundDisconnected:
			s.log.Info().Err(in.err).Msg("client disconnected")
			return errClientClosed
		default:
			return &TransportError{Side: SideClient, Op: "read", Err: in.err}
		}
	}
}

// pumpUpstream forwards realtime API frames to the client verbatim, keeping
// their frame type.
func (s *Session) pumpUpstream() error {
	for {
		mt, data, err := s.upstream.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if upstreamClosedNormally(err) {
				s.log.Info().Err(err).Msg("upstream closed")
				s.cancel(errUpstreamClosed)
				return nil
			}
			terr := &TransportError{Side: SideUpstream, Op: "read", Err: err}
			s.cancel(terr)
			return terr
		}
		if err := s.clientOut.write(mt, data); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			// A tab closed mid-reply usually fails this write before the
			// foreground read sees the close frame.
			if clientWriteGone(err) {
				s.log.Info().Err(err).Msg("client disconnected")
				s.cancel(errClientClosed)
				return nil
			}
			terr := &TransportError{Side: SideClient, Op: "write", Err: err}
			s.cancel(terr)
			return terr
		}
		s.metrics.RecordFrame(metrics.DirectionUpstreamToClient, len(data))
	}
}

func (s *Session) interruptReads() {
	now := time.Now()
	_ = s.client.SetReadDeadline(now)
	if s.upstream != nil {
		_ = s.upstream.SetReadDeadline(now)
	}
}

// teardown waits for the upstream pump to stop, then closes upstream. When the
// pump is stuck past TeardownTimeout the connection is closed under it.
func (s *Session) teardown() {
	done := make(chan error, 1)
	go func() { done <- s.readers.Wait() }()

	timer := time.NewTimer(s.cfg.TeardownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.closeUpstream()
		return
	case <-timer.C:
		s.log.Warn().Dur("timeout", s.cfg.TeardownTimeout).Msg("upstream reader did not stop in time; closing upstream")
	}
	s.closeUpstream()

	select {
	case <-done:
	case <-time.After(s.cfg.WriteTimeout):
		s.log.Error().Msg("upstream reader still running after close")
	}
}

func (s *Session) closeUpstream() {
	s.upstreamClose.Do(func() {
		if s.upstream == nil {
			return
		}
		_ = s.upstream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := s.upstream.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close upstream")
		}
	})
}

func (s *Session) writeUpstream(data []byte) error {
	if err := s.upstream.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.upstream.WriteMessage(websocket.TextMessage, data)
}

// finish maps the end cause to a reason, tells the client about fatal ends,
// and returns the caller-facing error.
func (s *Session) finish(cause error) error {
	switch {
	case errors.Is(cause, errClientClosed):
		s.setReason(EndClientClosed)
		return nil
	case errors.Is(cause, errUpstreamClosed):
		s.setReason(EndUpstreamClosed)
		return nil
	case errors.Is(cause, ErrShutdown):
		s.setReason(EndShutdown)
		s.log.Info().Msg("session canceled for shutdown")
		s.notify(protocol.ShutdownMessage)
		return ErrShutdown
	case errors.Is(cause, ErrTransport):
		s.setReason(EndTransportError)
		s.log.Warn().Err(cause).Msg("session transport error")
		var terr *TransportError
		if errors.As(cause, &terr) && terr.Side == SideUpstream {
			s.notify("realtime API connection lost")
		}
		return cause
	default:
		s.setReason(EndCanceled)
		s.log.Info().Err(cause).Msg("session canceled")
		return cause
	}
}

// notify sends a best-effort error frame to the client.
func (s *Session) notify(message string) {
	if err := s.clientOut.write(websocket.TextMessage, protocol.EncodeError(message)); err != nil {
		s.log.Debug().Err(err).Msg("notify client")
	}
}

func (s *Session) setReason(r EndReason) {
	s.reason.Store(r)
}
