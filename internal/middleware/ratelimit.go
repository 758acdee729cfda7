package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"keygate/pkg/contracts/domain"
)

// IPRateLimiter keeps one token bucket per caller address. Idle entries are
// evicted so long-running servers do not accumulate buckets for every
// address ever seen.
type IPRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleEviction = time.Hour

// NewIPRateLimiter creates a limiter allowing events per window with the
// whole window available as burst, matching fixed-window semantics closely
// enough for abuse control.
func NewIPRateLimiter(events int, window time.Duration) *IPRateLimiter {
	if events < 1 {
		events = 1
	}
	l := &IPRateLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Every(window / time.Duration(events)),
		burst:   events,
	}
	go l.evictLoop()
	return l
}

func (l *IPRateLimiter) evictLoop() {
	ticker := time.NewTicker(bucketIdleEviction)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-bucketIdleEviction)
		l.mu.Lock()
		for ip, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Allow reports whether the given address may proceed.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Middleware rejects callers over the limit with a RATE_LIMIT envelope.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			deny(w, r, http.StatusTooManyRequests, domain.CodeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
