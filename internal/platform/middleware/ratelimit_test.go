package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/echs-verifier/internal/platform/auth"
)

// extractAs runs one extraction request through h and returns the status
// written to the client.
func extractAs(t *testing.T, e *echo.Echo, h echo.HandlerFunc, reviewer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submission/documents/national_id/extract", nil)
	if reviewer != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, reviewer))
	}
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func limitedExtract(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})
}

func TestRateLimit_BurstThenThrottle(t *testing.T) {
	e := echo.New()
	h := limitedExtract(RateLimitConfig{RequestsPerSecond: 0.25, BurstSize: 3})

	for i := 0; i < 3; i++ {
		rec := extractAs(t, e, h, "reviewer-1")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("extraction %d: status %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "0.25" {
			t.Errorf("X-RateLimit-Limit = %q", got)
		}
	}

	rec := extractAs(t, e, h, "reviewer-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the burst, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "4" {
		t.Errorf("Retry-After = %q, want 4", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
}

func TestRateLimit_BucketsAreIndependent(t *testing.T) {
	e := echo.New()
	h := limitedExtract(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 1})

	steps := []struct {
		reviewer string
		want     int
	}{
		{"reviewer-a", http.StatusAccepted},
		{"reviewer-a", http.StatusTooManyRequests},
		{"reviewer-b", http.StatusAccepted},
		{"", http.StatusAccepted},
		{"", http.StatusTooManyRequests},
	}
	for i, s := range steps {
		if rec := extractAs(t, e, h, s.reviewer); rec.Code != s.want {
			t.Errorf("step %d (%q): status %d, want %d", i, s.reviewer, rec.Code, s.want)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[float64]string{0: "1", -3: "1", 0.5: "2", 0.3: "4", 10: "1"}
	for rps, want := range cases {
		if got := retryAfterSeconds(rps); got != want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", rps, got, want)
		}
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 0.5 || cfg.BurstSize != 10 || cfg.IdleExpiry <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
