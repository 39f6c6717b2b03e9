package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle tracks whether the process is draining. Once draining starts,
// readiness fails and new relay sessions are refused; live sessions keep
// running until they end or are canceled.
type Lifecycle struct {
	mu    sync.Mutex
	since time.Time
	done  chan struct{}
}

// BeginDrain marks the process as draining. It reports whether this call
// started the drain.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.since.IsZero() {
		return false
	}
	l.since = time.Now()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	close(l.done)
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.since.IsZero()
}

// DrainingSince is zero while the process is serving normally.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since
}

// Draining is closed when the drain begins.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}
