package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Maximum number of tracked addresses before the least recently seen is
// evicted.
const maxIPRateLimiters = 10000

// IPRateLimiter hands out one token bucket per client address.
type IPRateLimiter struct {
	limiters map[string]*rateLimiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
		now:      time.Now,
	}
}

// Allow takes one token from ip's bucket.
func (i *IPRateLimiter) Allow(ip string) bool {
	return i.GetLimiter(ip).Allow()
}

// GetLimiter returns the limiter for ip, creating one if needed.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	entry, ok := i.limiters[ip]
	if ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(i.limiters) >= maxIPRateLimiters {
		var oldestIP string
		var oldest time.Time
		for addr, e := range i.limiters {
			if oldestIP == "" || e.lastSeen.Before(oldest) {
				oldestIP = addr
				oldest = e.lastSeen
			}
		}
		delete(i.limiters, oldestIP)
	}

	limiter := rate.NewLimiter(i.rate, i.burst)
	i.limiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Cleanup drops limiters idle for longer than maxAge and returns how many
// were removed.
func (i *IPRateLimiter) Cleanup(maxAge time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	cleaned := 0
	for ip, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(i.limiters, ip)
			cleaned++
		}
	}
	return cleaned
}
