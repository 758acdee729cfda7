package license

import (
	"sync"
	"time"
)

// authCache remembers a successful verification for a short window so the
// controller does not hammer the server, and transient restarts of the
// heartbeat do not flap the authorization state.
type authCache struct {
	mu         sync.Mutex
	validUntil time.Time
	now        func() time.Time
}

func newAuthCache(now func() time.Time) *authCache {
	if now == nil {
		now = time.Now
	}
	return &authCache{now: now}
}

// MarkVerified records a successful verification valid for ttl.
func (c *authCache) MarkVerified(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validUntil = c.now().Add(ttl)
}

// Valid reports whether a recent verification is still fresh.
func (c *authCache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.validUntil)
}

// Clear drops the cached verification.
func (c *authCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validUntil = time.Time{}
}
