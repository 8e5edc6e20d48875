package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const window = time.Minute

type Limits struct {
	MaxConnsPerIP int
	AuthPerMinute int
}

func DefaultLimits() Limits {
	return Limits{MaxConnsPerIP: 10, AuthPerMinute: 5}
}

type RateLimiter struct {
	connections  map[string]int         // IP -> open socket count
	authAttempts map[string][]time.Time // IP -> auth attempts inside the window
	mu           sync.RWMutex
	limits       Limits
	now          func() time.Time
}

func New(l Limits) *RateLimiter {
	d := DefaultLimits()
	if l.MaxConnsPerIP <= 0 {
		l.MaxConnsPerIP = d.MaxConnsPerIP
	}
	if l.AuthPerMinute <= 0 {
		l.AuthPerMinute = d.AuthPerMinute
	}
	return &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string][]time.Time),
		limits:       l,
		now:          time.Now,
	}
}

func (rl *RateLimiter) Limits() Limits { return rl.limits }

// Run prunes stale auth attempts every window until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-window)
	for ip, attempts := range rl.authAttempts {
		valid := recent(attempts, cutoff)
		if len(valid) == 0 {
			delete(rl.authAttempts, ip)
		} else {
			rl.authAttempts[ip] = valid
		}
	}
}

func recent(attempts []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range attempts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Acquire reserves a socket slot for ip. The caller must Release it when the
// socket closes.
func (rl *RateLimiter) Acquire(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.connections[ip] >= rl.limits.MaxConnsPerIP {
		return false
	}
	rl.connections[ip]++
	return true
}

func (rl *RateLimiter) Release(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

func (rl *RateLimiter) Connections(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.connections[ip]
}

// CanAuth records an auth attempt and reports whether ip is still under the
// per-minute budget.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	attempts := recent(rl.authAttempts[ip], now.Add(-window))
	if len(attempts) >= rl.limits.AuthPerMinute {
		rl.authAttempts[ip] = attempts
		return false
	}
	rl.authAttempts[ip] = append(attempts, now)
	return true
}

// AuthGuard rejects login-style requests past the per-IP budget.
func (rl *RateLimiter) AuthGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CanAuth(ClientIP(c.Request)) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"statusCode": http.StatusTooManyRequests,
				"message":    "Too many login attempts. Please wait a minute.",
				"success":    false,
			})
			return
		}
		c.Next()
	}
}

// ClientIP prefers the proxy headers, taking the first hop of
// X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
