package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RateLimiter is a fixed-window limiter shared by every server through
// Redis. Clients are keyed by user when authenticated, by IP otherwise.
type RateLimiter struct {
	rdb      *redis.Client
	scope    string
	rate     int64         // Requests per window
	interval time.Duration // Window length
	log      zerolog.Logger
}

// NewRateLimiter creates a RateLimiter (e.g., 30 requests per minute).
func NewRateLimiter(rdb *redis.Client, scope string, rate int64, interval time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		scope:    scope,
		rate:     rate,
		interval: interval,
		log:      log.With().Str("component", "rate_limiter").Str("scope", scope).Logger(),
	}
}

// Middleware returns a Gin middleware that rejects clients over the limit.
// When Redis is unavailable requests are let through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := "ip:" + c.ClientIP()
		if claims := GetClaims(c); claims != nil {
			client = string(claims.TokenType) + ":" + strconv.Itoa(claims.UserID)
		}

		window := time.Now().UnixNano() / int64(rl.interval)
		key := config.CacheKey.RateLimitKey(rl.scope, client, window)

		ctx := c.Request.Context()
		pipe := rl.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rl.interval)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.log.Warn().Err(err).Str("client", client).Msg("Rate limit check skipped")
			c.Next()
			return
		}

		if incr.Val() > rl.rate {
			c.Header("Retry-After", strconv.Itoa(int(rl.interval.Seconds())))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
