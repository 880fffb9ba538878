package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/logger"
)

// UploadRateLimit limits upload initiations per user within a time window.
// A client that hammers init can otherwise accumulate pending sessions and
// presigned URLs faster than the expiry sweep reclaims them.
func UploadRateLimit(redisClient *redis.Client, cfg *config.Config, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.Background()

		userIDValue, exists := c.Get("userID")
		if !exists {
			c.Next()
			return
		}
		userID, ok := userIDValue.(uuid.UUID)
		if !ok {
			c.Next()
			return
		}

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis not available for upload rate limiting", "error", err)
			c.Next()
			return
		}

		key := fmt.Sprintf("upload_rate:%s", userID)
		count, err := redisClient.Get(ctx, key).Int()
		if err == redis.Nil {
			if err := redisClient.Set(ctx, key, 1, cfg.UploadRateWindow).Err(); err != nil {
				log.Warn("upload rate limiter failed to set key", "error", err)
			}
		} else if err != nil {
			log.Warn("upload rate limiter failed to get key", "error", err)
		} else if count >= cfg.UploadRateLimit {
			ttl, _ := redisClient.TTL(ctx, key).Result()
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.UploadRateLimit))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many upload requests",
				"retry_after": ttl.Seconds(),
			})
			c.Abort()
			return
		} else {
			if err := redisClient.Incr(ctx, key).Err(); err != nil {
				log.Warn("upload rate limiter failed to increment key", "error", err)
			}
		}

		c.Next()
	}
}
