package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pooltrace-server/internal/domain"
)

// RateLimit rejects requests beyond the limiter's budget with 429. One
// limiter is shared by every client of the wrapped routes.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, domain.NewAPIError(
				domain.ErrCodeRateLimit, "too many write requests", "", c.GetString(CorrelationIDKey)))
			return
		}
		c.Next()
	}
}
