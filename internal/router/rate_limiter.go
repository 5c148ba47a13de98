package router

import (
	"sync"
	"time"
)

const defaultMessagesPerMinute = 100

// RateLimiter implements per-connection flood protection
// ARCHITECTURAL DISCOVERY: per-key state with explicit Forget on disconnect and a
// periodic Cleanup prevents the map from growing with churned connections
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*ClientLimit
	now     func() time.Time
}

// ClientLimit tracks the current window of a single connection
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit envelopes per minute per key. Non-positive limits use 100.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = defaultMessagesPerMinute
	}
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		clients: make(map[string]*ClientLimit),
		now:     time.Now,
	}
}

// Allow records one envelope for key and reports whether it is within the limit.
// TECHNICAL DISCOVERY: fixed window that restarts on the first envelope after it expires
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[key]
	if !exists {
		rl.clients[key] = &ClientLimit{
			messageCount: 1,
			windowStart:  now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Forget drops the state of a key, typically on disconnect.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Cleanup removes entries idle for more than five windows (call periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}

// Tracked returns the number of keys with live state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
