package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// IPRateLimiter is a Redis sorted-set sliding-window limiter keyed by
// client IP. Login and refresh are the only unauthenticated, repeatedly
// callable endpoints in this service, so those are the only ones that
// need abuse protection; per-user and per-endpoint tiers and the
// penalty-box escalation the teacher's full limiter carries are not
// needed at this scale.
type IPRateLimiter struct {
	redisClient *redis.Client
	maxRequests int
	window      time.Duration
	logger      *log.Logger
}

// NewIPRateLimiter returns a limiter allowing maxRequests per IP per
// window.
func NewIPRateLimiter(redisClient *redis.Client, maxRequests int, window time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		redisClient: redisClient,
		maxRequests: maxRequests,
		window:      window,
		logger:      log.Default(),
	}
}

// Middleware rejects requests over the limit with 429; Redis errors fail
// open, matching the teacher's allowIPRequest behavior.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(r, ip) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *IPRateLimiter) allow(r *http.Request, ip string) bool {
	ctx := r.Context()
	key := fmt.Sprintf("ratelimit:ip:%s", ip)
	now := time.Now().Unix()
	windowStart := now - int64(rl.window.Seconds())

	if err := rl.redisClient.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("warning: rate limiter failed to trim window: %v", err)
	}

	count, err := rl.redisClient.ZCard(ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("warning: rate limiter failed to count requests, failing open: %v", err)
		return true
	}
	if count >= int64(rl.maxRequests) {
		return false
	}

	if err := rl.redisClient.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: now}).Err(); err != nil {
		rl.logger.Printf("warning: rate limiter failed to record request: %v", err)
	}
	if err := rl.redisClient.Expire(ctx, key, rl.window).Err(); err != nil {
		rl.logger.Printf("warning: rate limiter failed to set expiry: %v", err)
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
