package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/ehr/echs-verifier/internal/platform/auth"
)

// RateLimitConfig bounds how often a reviewer may hit the extraction backend.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleExpiry drops the limiter of a caller that has been quiet this long.
	IdleExpiry time.Duration
}

// DefaultRateLimitConfig allows one extraction every two seconds with a
// burst large enough for a full upload sequence.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.5,
		BurstSize:         10,
		IdleExpiry:        10 * time.Minute,
	}
}

// callerKey keys limiters by reviewer, or by client address for
// unauthenticated traffic.
func callerKey(c echo.Context) (string, error) {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid, nil
	}
	return "ip:" + c.RealIP(), nil
}

// retryAfterSeconds is the wait for one token to refill, never below a second.
func retryAfterSeconds(rps float64) string {
	if rps <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/rps))))
}

// RateLimit throttles each caller with its own token bucket. Rejected
// requests get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultRateLimitConfig().IdleExpiry
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retry := retryAfterSeconds(cfg.RequestsPerSecond)

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.IdleExpiry,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		IdentifierExtractor: callerKey,
		ErrorHandler: func(echo.Context, error) error {
			return echo.NewHTTPError(http.StatusForbidden, "caller could not be identified")
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			h := c.Response().Header()
			h.Set("Retry-After", retry)
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
