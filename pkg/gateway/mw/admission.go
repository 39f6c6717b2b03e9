package mw

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/tutor-relay/pkg/gateway/apierror"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/principal"
	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
)

type ctxKeyClient struct{}

// ClientFrom returns the client resolved by Admit.
func ClientFrom(ctx context.Context) (principal.Resolved, bool) {
	c, ok := ctx.Value(ctxKeyClient{}).(principal.Resolved)
	return c, ok
}

func WithClient(ctx context.Context, c principal.Resolved) context.Context {
	return context.WithValue(ctx, ctxKeyClient{}, c)
}

// Admit gates session creation per client. The permit is held until next
// returns, which for the relay endpoint is the end of the session.
func Admit(limiter *ratelimit.Limiter, trustProxyHeaders bool, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := principal.Resolve(r, trustProxyHeaders)
		ctx := WithClient(r.Context(), client)

		if limiter == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		dec := limiter.AcquireSession(client.Key, time.Now())
		if !dec.Allowed {
			m.RecordRejected(dec.Reason)
			reqID, _ := RequestIDFrom(ctx)
			msg := "too many concurrent sessions"
			if dec.Reason == ratelimit.ReasonRateLimited {
				msg = "session rate limit exceeded"
			}
			e := &apierror.Error{
				Type:      apierror.ErrRateLimit,
				Message:   msg,
				Code:      dec.Reason,
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				e.RetryAfter = &v
			}
			apierror.Write(w, e)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
