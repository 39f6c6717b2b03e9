package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay/protocol"
)

var testSessionUpdate = []byte(`{"type":"session.update","session":{"voice":"alloy"}}`)

type runResult struct {
	err    error
	reason EndReason
}

type harnessOptions struct {
	connector Connector
	echo      bool
}

// harness wires a browser-facing relay server to a fake realtime API server.
type harness struct {
	t        *testing.T
	metrics  *metrics.Metrics
	upstream *httptest.Server
	relay    *httptest.Server

	upConns  chan *websocket.Conn
	sessions chan *Session
	results  chan runResult

	mu      sync.Mutex
	tracked []*websocket.Conn
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		metrics:  metrics.New(""),
		upConns:  make(chan *websocket.Conn, 8),
		sessions: make(chan *Session, 8),
		results:  make(chan runResult, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.track(conn)
		if opts.echo {
			go echoUpstream(conn)
			return
		}
		h.upConns <- conn
	}))

	connector := opts.connector
	if connector == nil {
		upstreamURL := wsURL(h.upstream.URL)
		connector = ConnectorFunc(func(ctx context.Context) (UpstreamConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, upstreamURL, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
	}

	h.relay = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s, err := New(context.Background(), Dependencies{
			ID:            fmt.Sprintf("sess-%d", time.Now().UnixNano()),
			Client:        conn,
			Upstream:      connector,
			SessionUpdate: testSessionUpdate,
			Config: Config{
				ConnectTimeout:  2 * time.Second,
				WriteTimeout:    2 * time.Second,
				TeardownTimeout: 500 * time.Millisecond,
			},
			Metrics: h.metrics,
		})
		if err != nil {
			h.results <- runResult{err: err}
			return
		}
		h.sessions <- s
		runErr := s.Run()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		h.results <- runResult{err: runErr, reason: s.EndReason()}
	}))

	t.Cleanup(func() {
		h.mu.Lock()
		for _, c := range h.tracked {
			_ = c.Close()
		}
		h.mu.Unlock()
		h.relay.Close()
		h.upstream.Close()
	})
	return h
}

func (h *harness) track(c *websocket.Conn) {
	h.mu.Lock()
	h.tracked = append(h.tracked, c)
	h.mu.Unlock()
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.relay.URL), nil)
	if err != nil {
		h.t.Fatalf("dial relay: %v", err)
	}
	h.track(conn)
	return conn
}

func (h *harness) nextUpstream() *websocket.Conn {
	h.t.Helper()
	select {
	case c := <-h.upConns:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatalf("relay never connected upstream")
		return nil
	}
}

func (h *harness) nextSession() *Session {
	h.t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatalf("relay never created a session")
		return nil
	}
}

func (h *harness) result() runResult {
	h.t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(3 * time.Second):
		h.t.Fatalf("session did not finish")
		return runResult{}
	}
}

func echoUpstream(conn *websocket.Conn) {
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func mustRead(t *testing.T, conn *websocket.Conn, timeout time.Duration) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return mt, data
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_, data := mustRead(t, conn, timeout)
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

func mustWrite(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			t.Fatalf("unexpected frame before close: %s", data)
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_SendsSessionUpdateFirstThenForwardsClientFrames(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	// Written before the upstream has read anything; must still arrive second.
	appendFrame := `{"type":"input_audio_buffer.append","audio":"AAECAw=="}`
	mustWrite(t, client, appendFrame)

	up := h.nextUpstream()
	mt, first := mustRead(t, up, 2*time.Second)
	if mt != websocket.TextMessage || string(first) != string(testSessionUpdate) {
		t.Fatalf("first upstream frame=%d %s, want session.update", mt, first)
	}
	_, second := mustRead(t, up, 2*time.Second)
	if string(second) != appendFrame {
		t.Fatalf("forwarded=%s, want %s", second, appendFrame)
	}
}

func TestSession_ForwardsClientFramesByteForByteInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	frames := []string{
		"{ \"type\" : \"input_audio_buffer.append\",\n  \"audio\": \"AAEC\" }",
		`{"audio":"AwQF","type":"input_audio_buffer.append"}`,
		"\t{\"event_id\":\"evt_3\",   \"type\":\"input_audio_buffer.commit\"}  ",
		`[1, 2,3]`,
		`{"type":"response.create","response":{"modalities":["text"] , "instructions":"వివరించండి"}}`,
	}
	for _, f := range frames {
		mustWrite(t, client, f)
	}
	for i, want := range frames {
		mt, got := mustRead(t, up, 2*time.Second)
		if mt != websocket.TextMessage || string(got) != want {
			t.Fatalf("frame %d: upstream got %d %q, want %q", i, mt, got, want)
		}
	}
}

func TestSession_ClientCloseDuringUpstreamStreamIsADisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	delta := []byte(`{"type":"response.audio.delta","delta":"` + strings.Repeat("A", 4096) + `"}`)

	for i := 0; i < 10; i++ {
		client := h.dial()
		up := h.nextUpstream()
		mustRead(t, up, 2*time.Second)

		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = up.SetWriteDeadline(time.Now().Add(time.Second))
				if err := up.WriteMessage(websocket.TextMessage, delta); err != nil {
					return
				}
			}
		}()

		mustRead(t, client, 2*time.Second)
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = client.Close()

		res := h.result()
		close(stop)
		if res.err != nil || res.reason != EndClientClosed {
			t.Fatalf("run %d: err=%v reason=%q, want nil client_closed", i, res.err, res.reason)
		}
	}
	if v := testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues(string(EndTransportError))); v != 0 {
		t.Fatalf("sessions_total{transport_error}=%v, want 0", v)
	}
}

func TestSession_ClientWriteResetEndsAsDisconnect(t *testing.T) {
	client := newFakeConn()
	client.interruptible = true
	client.writeErr = &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.ECONNRESET)}
	up := newFakeConn(fakeRead{messageType: websocket.TextMessage, data: []byte(`{"type":"response.audio.delta"}`)})

	s, err := New(context.Background(), Dependencies{
		ID:            "reset",
		Client:        client,
		Upstream:      ConnectorFunc(func(context.Context) (UpstreamConn, error) { return up, nil }),
		SessionUpdate: testSessionUpdate,
		Config:        Config{TeardownTimeout: time.Second, WriteTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Run(); err != nil {
		t.Fatalf("Run err=%v, want nil", err)
	}
	if s.EndReason() != EndClientClosed {
		t.Fatalf("reason=%q", s.EndReason())
	}
	if got := up.closeCount(); got != 1 {
		t.Fatalf("upstream closed %d times, want 1", got)
	}
}

func TestSession_ForwardsUpstreamFramesVerbatim(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	text := "{ \"type\": \"response.audio.delta\",  \"delta\": \"UklGRg==\" }"
	if err := up.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	binary := []byte{0x00, 0x01, 0xfe}
	if err := up.WriteMessage(websocket.BinaryMessage, binary); err != nil {
		t.Fatalf("upstream write: %v", err)
	}

	mt, got := mustRead(t, client, 2*time.Second)
	if mt != websocket.TextMessage || string(got) != text {
		t.Fatalf("client got %d %q, want text %q", mt, got, text)
	}
	mt, got = mustRead(t, client, 2*time.Second)
	if mt != websocket.BinaryMessage || string(got) != string(binary) {
		t.Fatalf("client got %d %v, want binary %v", mt, got, binary)
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(h.metrics.FramesTotal.WithLabelValues(metrics.DirectionUpstreamToClient)) == 2
	}, "upstream_to_client frames to reach 2")
}

func TestSession_InvalidJSONRepliesAndKeepsRelaying(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	mustWrite(t, client, "this is not json")
	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["type"] != "error" || msg["error"] != "Invalid JSON" {
		t.Fatalf("got %v, want Invalid JSON error", msg)
	}

	valid := `{"type":"response.create"}`
	mustWrite(t, client, valid)
	_, got := mustRead(t, up, 2*time.Second)
	if string(got) != valid {
		t.Fatalf("upstream got %s, want %s (invalid frame must not be forwarded)", got, valid)
	}
	if v := testutil.ToFloat64(h.metrics.InvalidClientFrames); v != 1 {
		t.Fatalf("invalid frames=%v, want 1", v)
	}
}

func TestSession_ClientDisconnectClosesUpstream(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "tab closed"),
		time.Now().Add(time.Second))
	_ = client.Close()

	res := h.result()
	if res.err != nil {
		t.Fatalf("Run err=%v, want nil", res.err)
	}
	if res.reason != EndClientClosed {
		t.Fatalf("reason=%q", res.reason)
	}
	_ = up.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := up.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("upstream read err=%v, want normal close", err)
	}
}

func TestSession_UpstreamCloseEndsSessionQuietly(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	_ = up.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	res := h.result()
	if res.err != nil {
		t.Fatalf("Run err=%v, want nil", res.err)
	}
	if res.reason != EndUpstreamClosed {
		t.Fatalf("reason=%q", res.reason)
	}
	expectClosed(t, client)
}

func TestSession_UpstreamDropReportsTransportError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)
	_ = up.NetConn().Close()

	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("got %v, want error frame", msg)
	}
	res := h.result()
	if !errors.Is(res.err, ErrTransport) {
		t.Fatalf("Run err=%v, want ErrTransport", res.err)
	}
	var terr *TransportError
	if !errors.As(res.err, &terr) || terr.Side != SideUpstream {
		t.Fatalf("err=%#v, want upstream TransportError", res.err)
	}
	if res.reason != EndTransportError {
		t.Fatalf("reason=%q", res.reason)
	}
}

func TestSession_UpstreamConnectFailureNotifiesClient(t *testing.T) {
	h := newHarness(t, harnessOptions{
		connector: ConnectorFunc(func(context.Context) (UpstreamConn, error) {
			return nil, errors.New("dial tcp 127.0.0.1:9: connection refused")
		}),
	})
	client := h.dial()
	defer client.Close()

	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type=%v", msg["type"])
	}
	if text, _ := msg["error"].(string); !strings.Contains(text, "connection refused") {
		t.Fatalf("error=%q", text)
	}
	res := h.result()
	if !errors.Is(res.err, ErrUpstreamConnect) {
		t.Fatalf("Run err=%v, want ErrUpstreamConnect", res.err)
	}
	if res.reason != EndUpstreamConnectFailed {
		t.Fatalf("reason=%q", res.reason)
	}
	expectClosed(t, client)
	if v := testutil.ToFloat64(h.metrics.SessionsTotal.WithLabelValues(string(EndUpstreamConnectFailed))); v != 1 {
		t.Fatalf("sessions_total{upstream_connect_failed}=%v", v)
	}
}

func TestSession_CancelSendsShutdownNotice(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	defer client.Close()

	s := h.nextSession()
	up := h.nextUpstream()
	mustRead(t, up, 2*time.Second)

	s.Cancel()

	msg := mustReadJSON(t, client, 2*time.Second)
	if msg["type"] != "error" || msg["error"] != protocol.ShutdownMessage {
		t.Fatalf("got %v, want shutdown notice", msg)
	}
	res := h.result()
	if !errors.Is(res.err, ErrShutdown) {
		t.Fatalf("Run err=%v, want ErrShutdown", res.err)
	}
	if res.reason != EndShutdown {
		t.Fatalf("reason=%q", res.reason)
	}
}

func TestSession_ConcurrentSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, harnessOptions{echo: true})
	const frames = 20

	var g errgroup.Group
	for _, name := range []string{"alpha", "beta", "gamma"} {
		client := h.dial()
		defer client.Close()
		g.Go(func() error {
			for i := 0; i < frames; i++ {
				payload := fmt.Sprintf(`{"client":%q,"n":%d}`, name, i)
				if err := client.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					return err
				}
				_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, data, err := client.ReadMessage()
				if err != nil {
					return err
				}
				if string(data) != payload {
					return fmt.Errorf("%s got %s, want %s", name, data, payload)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if v := testutil.ToFloat64(h.metrics.SessionsActive); v != 3 {
		t.Fatalf("sessions_active=%v, want 3", v)
	}
}

func TestSession_TeardownIsBoundedWhenUpstreamIgnoresDeadlines(t *testing.T) {
	client := newFakeConn(fakeRead{err: &websocket.CloseError{Code: websocket.CloseGoingAway}})
	up := newFakeConn()
	s, err := New(context.Background(), Dependencies{
		ID:            "stuck",
		Client:        client,
		Upstream:      ConnectorFunc(func(context.Context) (UpstreamConn, error) { return up, nil }),
		SessionUpdate: testSessionUpdate,
		Config:        Config{TeardownTimeout: 50 * time.Millisecond, WriteTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Run returned after %v, before the teardown timeout", elapsed)
	}
	if s.EndReason() != EndClientClosed {
		t.Fatalf("reason=%q", s.EndReason())
	}
	if got := up.closeCount(); got != 1 {
		t.Fatalf("upstream closed %d times, want 1", got)
	}
	if writes := up.written(); len(writes) != 1 || string(writes[0]) != string(testSessionUpdate) {
		t.Fatalf("upstream writes=%q", writes)
	}
	if err := s.Run(); err == nil {
		t.Fatalf("expected error on second Run")
	}
}

func TestSession_CanceledBeforeConnect(t *testing.T) {
	client := newFakeConn()
	s, err := New(context.Background(), Dependencies{
		ID:     "early",
		Client: client,
		Upstream: ConnectorFunc(func(ctx context.Context) (UpstreamConn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		SessionUpdate: testSessionUpdate,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Cancel()

	if err := s.Run(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Run err=%v, want ErrShutdown", err)
	}
	writes := client.written()
	if len(writes) != 1 || !strings.Contains(string(writes[0]), protocol.ShutdownMessage) {
		t.Fatalf("client writes=%q", writes)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	conn := newFakeConn()
	connector := ConnectorFunc(func(context.Context) (UpstreamConn, error) { return conn, nil })
	cases := []struct {
		name string
		deps Dependencies
	}{
		{"no client", Dependencies{Upstream: connector, SessionUpdate: testSessionUpdate}},
		{"no upstream", Dependencies{Client: conn, SessionUpdate: testSessionUpdate}},
		{"no session update", Dependencies{Client: conn, Upstream: connector}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(context.Background(), tc.deps); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
