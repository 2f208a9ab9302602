package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peertube-live/internal/redisutil"
)

const loginKeyPrefix = "peertube-live:login:"

// RateLimitConfig bounds overall request throughput and password attempts
// per client address. Login counters move to Redis when Redis is configured
// so every replica shares them.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	LoginLimit  int
	LoginWindow time.Duration
	Redis       redisutil.Config

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

// loginCounter is the shared backend for login attempts.
type loginCounter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

type rateLimiter struct {
	global *rate.Limiter

	limit  int
	window time.Duration
	shared loginCounter

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

type clientLimiter struct {
	*rate.Limiter
	seen time.Time
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		limit:   max(cfg.LoginLimit, 0),
		window:  cfg.LoginWindow,
		clients: map[string]*clientLimiter{},
	}
	if rl.window <= 0 {
		rl.window = time.Minute
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.limit > 0 && cfg.Redis.Enabled() {
		store, err := newRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rl.shared = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	return r == nil || r.global == nil || r.global.Allow()
}

// AllowLogin spends one attempt for key. Without Redis each key refills
// limit attempts evenly across the window.
func (r *rateLimiter) AllowLogin(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.limit == 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.shared != nil {
		return r.shared.Allow(ctx, loginKeyPrefix+key, r.limit, r.window)
	}

	now := time.Now()
	limiter := r.client(key, now)
	reservation := limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) client(key string, now time.Time) *clientLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.swept) > r.window {
		for k, c := range r.clients {
			if now.Sub(c.seen) > 2*r.window {
				delete(r.clients, k)
			}
		}
		r.swept = now
	}
	c, ok := r.clients[key]
	if !ok {
		every := rate.Every(r.window / time.Duration(r.limit))
		c = &clientLimiter{Limiter: rate.NewLimiter(every, r.limit)}
		r.clients[key] = c
	}
	c.seen = now
	return c
}

func (r *rateLimiter) Close() error {
	if r == nil || r.shared == nil {
		return nil
	}
	return r.shared.Close()
}
