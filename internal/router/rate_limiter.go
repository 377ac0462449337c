package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatline/pkg/types"
)

// RateLimiter is a per-sender token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[types.ID]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute sends per sender with bursts of burst.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		clients: make(map[types.ID]*clientLimit),
		now:     time.Now,
	}
}

// Allow consumes one token for userID. A nil limiter allows everything.
func (rl *RateLimiter) Allow(userID types.ID) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, exists := rl.clients[userID]
	if !exists {
		c = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[userID] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Cleanup forgets senders idle for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, c := range rl.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}
