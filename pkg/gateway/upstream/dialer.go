package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderOpenAIBeta    = "OpenAI-Beta"
)

// Dialer opens connections to the realtime API. The zero value is not usable;
// URL and APIKey are required.
type Dialer struct {
	URL    string
	APIKey string
	// Beta is the OpenAI-Beta header value, e.g. "realtime=v1".
	Beta             string
	HandshakeTimeout time.Duration
	TLSClientConfig  *tls.Config
}

// HandshakeError is returned when the upstream answered the WebSocket
// handshake with a non-101 response.
type HandshakeError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("upstream handshake rejected (%s)", e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Header returns the handshake headers sent upstream.
func (d Dialer) Header() http.Header {
	hdr := http.Header{}
	hdr.Set(HeaderAuthorization, "Bearer "+strings.TrimSpace(d.APIKey))
	if beta := strings.TrimSpace(d.Beta); beta != "" {
		hdr.Set(HeaderOpenAIBeta, beta)
	}
	return hdr
}

// Connect dials the upstream realtime endpoint.
func (d Dialer) Connect(ctx context.Context) (*websocket.Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("upstream url is empty")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
		TLSClientConfig:  d.TLSClientConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header())
	if err != nil {
		if resp != nil {
			herr := &HandshakeError{StatusCode: resp.StatusCode, Status: resp.Status, Err: err}
			if resp.Body != nil {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				_ = resp.Body.Close()
				herr.Body = strings.TrimSpace(string(body))
			}
			return nil, herr
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	return conn, nil
}
