package session

import (
	"net"
	"os"
	"sync"
	"time"
)

type fakeRead struct {
	messageType int
	data        []byte
	err         error
}

// fakeConn serves queued reads, then blocks until closed. Deadlines are
// ignored unless interruptible is set, which lets tests model a connection
// that never unblocks on its own.
type fakeConn struct {
	mu     sync.Mutex
	reads  []fakeRead
	writes [][]byte
	closes int

	// writeErr fails every write.
	writeErr      error
	interruptible bool

	closed        chan struct{}
	closeOnce     sync.Once
	interrupted   chan struct{}
	interruptOnce sync.Once
}

func newFakeConn(reads ...fakeRead) *fakeConn {
	return &fakeConn{reads: reads, closed: make(chan struct{}), interrupted: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.reads) > 0 {
		r := c.reads[0]
		c.reads = c.reads[1:]
		c.mu.Unlock()
		return r.messageType, r.data, r.err
	}
	c.mu.Unlock()
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-c.interrupted:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	if c.interruptible && !t.IsZero() && !t.After(time.Now()) {
		c.interruptOnce.Do(func() { close(c.interrupted) })
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}
