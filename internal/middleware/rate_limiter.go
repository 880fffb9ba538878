package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
)

// RateLimiter creates a per-IP rate limiting middleware backed by Redis.
// When Redis is unavailable the limiter bypasses rather than blocking
// traffic.
func RateLimiter(redisClient *redis.Client, cfg *config.Config, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.Background()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis not available for rate limiting", "error", err)
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		key := fmt.Sprintf("rate_limit:%s", clientIP)

		count, err := redisClient.Get(ctx, key).Int()
		if err == redis.Nil {
			if err := redisClient.Set(ctx, key, 1, cfg.RateLimitDuration).Err(); err != nil {
				log.Warn("rate limiter failed to set key", "error", err)
				c.Next()
				return
			}
		} else if err != nil {
			log.Warn("rate limiter failed to get key", "error", err)
			c.Next()
			return
		} else if count >= cfg.RateLimitRequests {
			ttl, _ := redisClient.TTL(ctx, key).Result()
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RateLimitRequests))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": ttl.Seconds(),
			})
			c.Abort()
			return
		} else {
			if err := redisClient.Incr(ctx, key).Err(); err != nil {
				log.Warn("rate limiter failed to increment key", "error", err)
			}
		}

		c.Next()
	}
}
