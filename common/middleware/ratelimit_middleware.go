package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/ratelimit"
)

// OwnerRateLimitMiddleware limits how often one owner may perform action.
// Requires the owner to be set in context by ExtractOwner; anonymous requests
// are passed through and rejected later by the handler.
func OwnerRateLimitMiddleware(limiter ratelimit.Limiter, action string, limit int64, window time.Duration, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := GetOwner(c)
			if owner == "" || limit <= 0 {
				return next(c)
			}

			result, err := limiter.Check(c.Request().Context(), ratelimit.OwnerKey(owner, action), limit, window)
			if err != nil {
				// Fail open
				log.Warn("rate limit check failed, allowing request", "owner", owner, "action", action, "error", err)
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "You have exceeded your request quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"action":              action,
						"limit":               result.Limit,
						"window":              window.String(),
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
