package session

import (
	"sync"
	"time"
)

// clientWriter serializes writes to the browser connection. Both the upstream
// pump and the client loop write to it, and gorilla allows one writer at a time.
type clientWriter struct {
	mu      sync.Mutex
	conn    DownstreamConn
	timeout time.Duration
}

func (w *clientWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}
	return w.conn.WriteMessage(messageType, data)
}
