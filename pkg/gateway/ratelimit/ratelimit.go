// Package ratelimit bounds websocket connection attempts per client address.
// Hardware sources reconnect in a loop, so a misbehaving device must not be
// able to starve dashboard viewers.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	// Token bucket for connection attempts. Disabled when either is <= 0.
	RPS   float64
	Burst int

	// Open connections per client. Disabled when <= 0.
	MaxConcurrent int

	// Clients remembered at once. The least recently seen is forgotten first.
	MaxEntries int
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients *lru.Cache[string, *clientLimiter]
}

type clientLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	connSem chan struct{}
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	// lru.New only fails for a non-positive size.
	clients, _ := lru.New[string, *clientLimiter](cfg.MaxEntries)
	return &Limiter{cfg: cfg, clients: clients}
}

// ClientKey identifies the caller by remote host, ignoring the port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if host == "" {
		return "unknown"
	}
	return host
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

// AcquireConn admits one connection attempt from client. The permit must be
// released when the connection closes.
func (l *Limiter) AcquireConn(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if client == "" {
		client = "unknown"
	}

	cl := l.getOrCreate(client)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := cl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrent > 0 {
		select {
		case cl.connSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-cl.connSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{}}
}

// getOrCreate is serialized so two first attempts from one client share an
// entry. An evicted client holding permits keeps releasing into its old
// semaphore; its next attempt starts fresh.
func (l *Limiter) getOrCreate(client string) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.clients.Get(client); ok {
		return cl
	}
	cl := &clientLimiter{connSem: make(chan struct{}, max(1, l.cfg.MaxConcurrent))}
	l.clients.Add(client, cl)
	return cl
}

// Clients reports how many clients are currently tracked.
func (l *Limiter) Clients() int {
	if l == nil {
		return 0
	}
	return l.clients.Len()
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
