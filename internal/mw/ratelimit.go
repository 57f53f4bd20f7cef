package mw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chatrelay/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// RL 按 key 维护令牌桶，空闲超过 ttl 的 key 由 GC 回收。
type RL struct {
	mu  sync.Mutex
	m   map[string]*keyLimiter
	r   rate.Limit
	b   int
	ttl time.Duration
	now func() time.Time
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, now: time.Now}
}

// Allow consumes one token from the bucket of key.
func (rl *RL) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	kl, ok := rl.m[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(rl.r, rl.b)}
		rl.m[key] = kl
	}
	kl.ts = now
	return kl.lim.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (rl *RL) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

// Sweep drops keys idle for longer than the ttl.
func (rl *RL) Sweep() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
			n++
		}
	}
	return n
}

// Run sweeps idle keys every 30s until ctx is done.
func (rl *RL) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

// Middleware limits requests per caller and route. Authenticated callers are
// keyed by identity, everyone else by client IP.
func (rl *RL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if id, ok := auth.GetIdentity(c); ok {
			caller = id.String()
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !rl.Allow(caller + "|" + route) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 返回一个基于调用方+路径的令牌桶限速中间件，GC 随 ctx 结束。
func RateLimit(ctx context.Context, r rate.Limit, burst int) gin.HandlerFunc {
	rl := NewRateLimiter(r, burst, 2*time.Minute)
	go rl.Run(ctx)
	return rl.Middleware()
}
