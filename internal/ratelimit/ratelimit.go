// Package ratelimit provides per-source-address admission control with an
// independent token bucket quota for each protocol.
package ratelimit

import (
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Protocol identifies which quota a check is counted against.
type Protocol string

const (
	// Submission is the inbound mail protocol.
	Submission Protocol = "submission"
	// Retrieval is the mailbox query protocol.
	Retrieval Protocol = "retrieval"
)

// Quota is a token bucket: Burst tokens at most, one token refilled per Period.
type Quota struct {
	Burst  int
	Period time.Duration
}

// Config holds the quota for each protocol.
type Config struct {
	Submission Quota
	Retrieval  Quota
}

// DefaultConfig returns 10 submissions per 60s and 5 retrieval commands per 30s.
func DefaultConfig() Config {
	return Config{
		Submission: Quota{Burst: 10, Period: 60 * time.Second},
		Retrieval:  Quota{Burst: 5, Period: 30 * time.Second},
	}
}

// Decision is the result of a check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // Time until a token is available. Zero when allowed.
}

// RetrySeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (d Decision) RetrySeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type bucketKey struct {
	protocol Protocol
	addr     string
}

// Limiter tracks one bucket per (protocol, source address).
// Buckets are created lazily and are never removed.
type Limiter struct {
	quotas map[Protocol]Quota

	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

// New creates a Limiter with the given quotas.
func New(cfg Config) *Limiter {
	return &Limiter{
		quotas: map[Protocol]Quota{
			Submission: cfg.Submission,
			Retrieval:  cfg.Retrieval,
		},
		buckets: make(map[bucketKey]*rate.Limiter),
	}
}

// Check consumes one token for addr under protocol's quota if one is available.
func (l *Limiter) Check(p Protocol, addr string) Decision {
	return l.CheckAt(p, addr, time.Now())
}

// CheckAt is Check evaluated at the given time.
func (l *Limiter) CheckAt(p Protocol, addr string, now time.Time) Decision {
	q, ok := l.quotas[p]
	if !ok || q.Burst <= 0 || q.Period <= 0 {
		// Unknown or disabled quota.
		return Decision{Allowed: true}
	}

	r := l.bucket(p, addr, q).ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: q.Period}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// Give the token back, a denied check consumes nothing.
		r.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) bucket(p Protocol, addr string, q Quota) *rate.Limiter {
	key := bucketKey{protocol: p, addr: addr}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(q.Period), q.Burst)
		l.buckets[key] = b
	}
	return b
}

// SourceAddr returns the host part of a connection's remote address, which is
// the key rate limits are tracked under.
func SourceAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
