package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docintake/internal/common"
)

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

type RateLimitConfig struct {
	Client    counter
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Logger    *slog.Logger
}

// NewRateLimiter is a fixed-window limiter keyed by client IP. When Redis
// is unreachable requests pass through.
func NewRateLimiter(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "docintake:rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := strconv.Itoa(cfg.Limit)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := cfg.KeyPrefix + c.ClientIP()

		count, err := cfg.Client.Incr(ctx, key).Result()
		if err != nil {
			cfg.Logger.Warn("ratelimit.unavailable", "req_id", common.RequestIDFromContext(ctx), "error", err)
			c.Next()
			return
		}
		if count == 1 {
			cfg.Client.Expire(ctx, key, cfg.Window)
		}

		reset := 0
		if ttl, err := cfg.Client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			reset = int(ttl.Seconds())
		}
		remaining := cfg.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":            "RATE_LIMITED",
				"message":         "upload rate limit exceeded",
				"limit":           cfg.Limit,
				"window":          cfg.Window.String(),
				"retry_after_sec": reset,
			})
			return
		}
		c.Next()
	}
}
