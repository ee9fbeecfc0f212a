package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"protectord/internal/logging"
)

// Defaults for the control-endpoint limiter.
const (
	DefaultControlRate  = 2.0
	DefaultControlBurst = 5

	idleClientTTL = 10 * time.Minute
)

// bucket is a token bucket.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) allow(now time.Time, rate float64, burst int) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// clientLimiter keeps one bucket per remote host. Idle buckets are swept
// lazily on access.
type clientLimiter struct {
	mu        sync.Mutex
	rate      float64
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiter(rate float64, burst int) *clientLimiter {
	if rate <= 0 {
		rate = DefaultControlRate
	}
	if burst <= 0 {
		burst = DefaultControlBurst
	}
	return &clientLimiter{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > idleClientTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastRefill) > idleClientTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastRefill: now}
		l.buckets[client] = b
	}
	return b.allow(now, l.rate, l.burst)
}

// limit answers 429 once a client exceeds its budget.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientHost(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:     "rate limit exceeded",
				RequestID: logging.RequestIDFromContext(r.Context()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
