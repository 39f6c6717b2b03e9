package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	ReasonRateLimited     = "rate_limited"
	ReasonTooManySessions = "too_many_sessions"
)

type Config struct {
	// ConnectRPS and ConnectBurst shape how often one client may open a
	// session. Zero disables the token bucket.
	ConnectRPS   float64
	ConnectBurst int

	// MaxSessionsPerClient caps concurrent sessions per client. Zero disables
	// the cap.
	MaxSessionsPerClient int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Limiter admits relay sessions per client key.
type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb       tokenBucket
	sessions chan struct{}
	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKeyFromIP buckets clients by address.
func ClientKeyFromIP(ip string) string {
	return "ip:" + ip
}

type Permit struct {
	release func()
}

// Release frees the session slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int
	Permit     *Permit
}

// AcquireSession decides whether client may open another session now. An
// allowed decision carries a Permit that must be released when the session
// ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if client == "" {
		client = "anonymous"
	}

	cl := l.getOrCreate(client, now)

	if l.cfg.ConnectRPS > 0 && l.cfg.ConnectBurst > 0 {
		if ok, retryAfter := cl.allowToken(now, l.cfg.ConnectRPS, l.cfg.ConnectBurst); !ok {
			return Decision{Reason: ReasonRateLimited, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxSessionsPerClient > 0 {
		select {
		case cl.sessions <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-cl.sessions }},
			}
		default:
			return Decision{Reason: ReasonTooManySessions, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{}}
}

// Active reports the sessions currently held by client.
func (l *Limiter) Active(client string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	cl, ok := l.m[client]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return len(cl.sessions)
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.touch(now)
		return cl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: evict an idle entry. Entries holding sessions are kept so
		// their permits stay meaningful.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessions) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	cl := &clientLimiter{
		sessions: make(chan struct{}, max(1, l.cfg.MaxSessionsPerClient)),
		lastSeen: now,
	}
	l.m[client] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if len(v.sessions) == 0 && now.Sub(v.seen()) > ttl {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) touch(now time.Time) {
	cl.mu.Lock()
	cl.lastSeen = now
	cl.mu.Unlock()
}

func (cl *clientLimiter) seen() time.Time {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastSeen
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}
	cl.tb.rps = rps
	cl.tb.capacity = capacity

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
