package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 15 * time.Minute

// LoginLimiter rate-limits login attempts per client address.
type LoginLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
	sweep   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter allows perMinute attempts per client with the given burst.
func NewLoginLimiter(perMinute float64, burst int) *LoginLimiter {
	return &LoginLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether client may attempt a login now.
func (l *LoginLimiter) Allow(client string) bool {
	return l.allowAt(client, time.Now())
}

func (l *LoginLimiter) allowAt(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > limiterIdleTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.sweep = now
	}

	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
