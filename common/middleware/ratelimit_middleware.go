package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/imageintake/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret; an empty
// secret disables the bypass.
func isInternalRequest(c echo.Context, secret string) bool {
	if secret == "" {
		return false
	}
	header := c.Request().Header.Get("X-Internal-Service")
	return header != "" && subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

// UploadRateLimitMiddleware applies the per-client tiered upload limit.
// The tier comes from the declared Content-Length; errors fail open.
func UploadRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, syncMaxBytes int64, internalSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c, internalSecret) {
				return next(c)
			}

			client := c.RealIP()
			tier := ratelimit.InspectUpload(c.Request().ContentLength, syncMaxBytes)

			result, err := rateLimiter.CheckTieredLimit(c.Request().Context(), client, tier)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "upload_rate_limit_exceeded",
					"message": "Too many uploads. Please wait before trying again.",
					"details": map[string]interface{}{
						"tier":                tier,
						"limit":               result.Limit,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
