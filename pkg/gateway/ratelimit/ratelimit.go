// Package ratelimit admits new calls per caller address: a token bucket for
// call setup rate and a cap on concurrently open calls.
package ratelimit

import (
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Config struct {
	CallsPerSecond     float64
	Burst              int
	MaxConcurrentCalls int

	// Operational bounds for the in-memory table (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  *expirable.LRU[string, *callerLimiter]
}

type callerLimiter struct {
	mu sync.Mutex

	tb      tokenBucket
	callSem chan struct{}
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
		m:   expirable.NewLRU[string, *callerLimiter](cfg.MaxEntries, nil, cfg.EntryTTL),
	}
}

// KeyFromRemoteAddr strips the port from an http.Request RemoteAddr.
func KeyFromRemoteAddr(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr == "" {
		return "unknown"
	}
	return remoteAddr
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireCall admits one call for key. An allowed Decision carries a Permit
// that must be released when the call ends.
func (l *Limiter) AcquireCall(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if key == "" {
		key = "unknown"
	}

	cl := l.getOrCreate(key)

	if l.cfg.CallsPerSecond > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := cl.allowToken(now, l.cfg.CallsPerSecond, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentCalls > 0 {
		select {
		case cl.callSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-cl.callSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func (l *Limiter) getOrCreate(key string) *callerLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Get refreshes the entry's TTL; an evicted entry's outstanding permits
	// still release into their own semaphore.
	if cl, ok := l.m.Get(key); ok {
		return cl
	}
	cl := &callerLimiter{
		callSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentCalls)),
	}
	l.m.Add(key, cl)
	return cl
}

func (cl *callerLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
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
