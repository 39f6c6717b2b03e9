package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
)

func TestAdmit_BurstRejectsWithRetryAfter(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{ConnectRPS: 1, ConnectBurst: 1})
	m := metrics.New("")

	h := Admit(lim, false, m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := serve(); rr.Code != http.StatusOK {
		t.Fatalf("first status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr := serve()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header")
	}
	if body := rr.Body.String(); !strings.Contains(body, `"type":"rate_limit_error"`) || !strings.Contains(body, ratelimit.ReasonRateLimited) {
		t.Fatalf("unexpected body: %q", body)
	}
	if v := testutil.ToFloat64(m.RejectedConnections.WithLabelValues(ratelimit.ReasonRateLimited)); v != 1 {
		t.Fatalf("rejected{rate_limited}=%v", v)
	}
}

func TestAdmit_HoldsPermitForSessionLifetime(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxSessionsPerClient: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	h := Admit(lim, false, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := ClientFrom(r.Context())
		if !ok || client.Key != "ip:192.0.2.1" {
			t.Errorf("client=%+v ok=%v", client, ok)
		}
		once.Do(func() { close(started) })
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		return req
	}

	done := make(chan int, 1)
	go func() {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, newReq())
		done <- rr.Code
	}()
	<-started

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, newReq())
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("concurrent status=%d, want 429", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), ratelimit.ReasonTooManySessions) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first status=%d", code)
	}
	if lim.Active("ip:192.0.2.1") != 0 {
		t.Fatalf("permit not released")
	}
}
