package session

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

type inboundKind int

const (
	inboundMessage inboundKind = iota
	inboundDisconnected
	inboundParseFailed
	inboundTransportFailed
)

func (k inboundKind) String() string {
	switch k {
	case inboundMessage:
		return "message"
	case inboundDisconnected:
		return "disconnected"
	case inboundParseFailed:
		return "parse_failed"
	case inboundTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

// inbound is the outcome of one client read. data is set for message and
// parse_failed results, err for disconnected and transport_failed.
type inbound struct {
	kind inboundKind
	data []byte
	err  error
}

// receive reads one client frame and classifies it. Text and binary frames
// are both accepted as long as the payload is syntactically valid JSON.
func receive(conn DownstreamConn) inbound {
	_, data, err := conn.ReadMessage()
	if err != nil {
		if clientGone(err) {
			return inbound{kind: inboundDisconnected, err: err}
		}
		return inbound{kind: inboundTransportFailed, err: err}
	}
	if !json.Valid(data) {
		return inbound{kind: inboundParseFailed, data: data}
	}
	return inbound{kind: inboundMessage, data: data}
}

// clientGone reports whether a client read error means the browser went away.
// Any close frame counts, including the 1006 gorilla synthesizes when the TCP
// connection drops without one. A reset counts too: a closing tab with unread
// data in its socket resets instead of finishing the handshake.
func clientGone(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// clientWriteGone is clientGone for write errors. ErrCloseSent means the
// reader already answered the client's close frame.
func clientWriteGone(err error) bool {
	return clientGone(err) || errors.Is(err, websocket.ErrCloseSent)
}

// upstreamClosedNormally reports whether the realtime API ended the
// connection with a clean close handshake.
func upstreamClosedNormally(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
