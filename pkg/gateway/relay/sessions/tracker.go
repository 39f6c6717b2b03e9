package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is what the tracker needs to end a relay session from outside.
type Handle struct {
	// ClientKey identifies the admitted client, typically "ip:<addr>".
	ClientKey string
	Cancel    func()
}

// Info describes one live session.
type Info struct {
	ID        string
	ClientKey string
	StartedAt time.Time
}

// Tracker records live relay sessions so shutdown can cancel them and wait
// for them to drain.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	now      func() time.Time
}

type entry struct {
	info   Info
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Register adds a session and returns its unregister func, which is safe to
// call more than once. Registering an ID that is already present replaces the
// previous entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{
		info:   Info{ID: sessionID, ClientKey: h.ClientKey},
		cancel: h.Cancel,
	}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*entry)
	}
	if t.now == nil {
		t.now = time.Now
	}
	e.info.StartedAt = t.now()
	old := t.sessions[sessionID]
	t.sessions[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, e) }
}

func (t *Tracker) unregister(sessionID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == e {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CountByClient returns the number of live sessions per client key.
func (t *Tracker) CountByClient() map[string]int {
	out := make(map[string]int)
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.sessions {
		out[e.info.ClientKey]++
	}
	return out
}

// Snapshot lists live sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.info)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelAll cancels every live session. Cancel funcs run outside the lock.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, e := range t.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is done.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
