package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/sdp-rendezvous/internal/metrics"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
	"github.com/mossy-p/sdp-rendezvous/internal/ratelimit"
)

// RateLimit admits each authenticated request against the caller's owner
// log and answers 429 with a Retry-After header when a window is full. It
// must run after JWTAuth.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "Authentication required")
			return
		}

		decision := limiter.Admit(caller.Owner)
		if decision.Allowed {
			c.Next()
			return
		}

		seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		seconds = max(seconds, 1)
		metrics.RateLimited.WithLabelValues(decision.Window.String()).Inc()
		if logger != nil {
			logger.Info("request rate limited",
				"client_id", caller.ClientID,
				"window", decision.Window,
				"retry_after", seconds,
			)
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
			Code:       models.CodeRateLimited,
			Error:      "Too many requests",
			RetryAfter: seconds,
		})
	}
}
