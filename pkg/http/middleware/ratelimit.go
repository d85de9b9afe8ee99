package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Allower is a keyed admission check such as a per-client token bucket.
type Allower interface {
	Allow(key string) bool
}

// RateLimit rejects requests with 429 once the client's bucket is empty.
// keyFn defaults to the real client IP.
func RateLimit(a Allower, keyFn func(c echo.Context) string) echo.MiddlewareFunc {
	if keyFn == nil {
		keyFn = func(c echo.Context) string { return c.RealIP() }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.Allow(keyFn(c)) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":  http.StatusTooManyRequests,
					"message": http.StatusText(http.StatusTooManyRequests),
				})
			}
			return next(c)
		}
	}
}
