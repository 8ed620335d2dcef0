package middleware

import (
	_ "embed"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"marketplace_api/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

//go:embed rate_limiter.lua
var luaScript string

var tokenBucket = redis.NewScript(luaScript)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Name       string  // Separates buckets of different limiters
	Capacity   int     // Maximum number of tokens (max requests)
	RefillRate float64 // Tokens refilled per second
	KeyFunc    KeyFunc
}

// KeyFunc names the bucket a request draws from. ok=false skips limiting.
type KeyFunc func(c *gin.Context) (key string, ok bool)

// ByUser keys buckets on the authenticated user; it must run after AuthMiddleware.
func ByUser(c *gin.Context) (string, bool) {
	id, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("user:%d", id), true
}

// ByClientIP keys buckets on the client address.
func ByClientIP(c *gin.Context) (string, bool) {
	return "ip:" + c.ClientIP(), true
}

// DefaultRateLimiterConfig allows 10 requests per second per user with a burst of 20.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Name:       "api",
		Capacity:   20,
		RefillRate: 10.0,
		KeyFunc:    ByUser,
	}
}

// StrictRateLimiter is meant for credential endpoints: burst 5, one request every 6 seconds per IP.
func StrictRateLimiter() *RateLimiterConfig {
	return &RateLimiterConfig{
		Name:       "auth",
		Capacity:   5,
		RefillRate: 1.0 / 6.0,
		KeyFunc:    ByClientIP,
	}
}

// GenerousRateLimiter is meant for public reads: burst 100, 50 requests per second per IP.
func GenerousRateLimiter() *RateLimiterConfig {
	return &RateLimiterConfig{
		Name:       "read",
		Capacity:   100,
		RefillRate: 50.0,
		KeyFunc:    ByClientIP,
	}
}

// RateLimiterMiddleware implements a token bucket in Redis via a Lua script.
// Requests are let through when Redis is unavailable.
func RateLimiterMiddleware(redisClient *redis.Client, config *RateLimiterConfig) gin.HandlerFunc {
	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = ByClientIP
	}

	return func(c *gin.Context) {
		subject, ok := keyFunc(c)
		if !ok {
			c.Next()
			return
		}

		key := RateLimiterKey(config.Name, subject)
		now := time.Now().UnixMilli()

		result, err := tokenBucket.Run(c.Request.Context(), redisClient, []string{key},
			config.Capacity,
			config.RefillRate,
			now,
		).Int64()
		if err != nil {
			logrus.WithError(err).WithField("limiter", config.Name).Error("Failed to execute rate limiter script")
			c.Next()
			return
		}

		if result == 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(1/config.RefillRate))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"kind":    "rate_limited",
					"message": "Rate limit exceeded",
				},
			})
			return
		}

		c.Next()
	}
}

// RateLimiterKey builds the Redis key for one bucket.
func RateLimiterKey(name, subject string) string {
	return fmt.Sprintf("rate_limiter:%s:%s", name, subject)
}
