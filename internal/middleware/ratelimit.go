package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is an in-memory sliding-window limiter keyed by string.
// It guards the OTP-issuing endpoints per client IP; the per-phone limits
// live in the OTP policy itself.
type RateLimiter struct {
	mu      sync.Mutex
	seen    map[string][]time.Time
	window  time.Duration
	maxReqs int
}

// NewRateLimiter creates a limiter allowing maxReqs per window per key.
func NewRateLimiter(window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		seen:    make(map[string][]time.Time),
		window:  window,
		maxReqs: maxReqs,
	}
	go rl.janitor()
	return rl
}

// Allow records a request for key and reports whether it is within budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := prune(rl.seen[key], now.Add(-rl.window))
	if len(recent) >= rl.maxReqs {
		rl.seen[key] = recent
		return false
	}
	rl.seen[key] = append(recent, now)
	return true
}

// janitor drops idle keys so the map cannot grow without bound.
func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-2 * rl.window)
		for key, times := range rl.seen {
			if recent := prune(times, cutoff); len(recent) == 0 {
				delete(rl.seen, key)
			} else {
				rl.seen[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// ClientIP extracts the caller's IP for rate-limit keying.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}
