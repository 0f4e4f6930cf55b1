package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type poolUsage struct {
	Total    int32  `json:"total_conns"`
	Idle     int32  `json:"idle_conns"`
	Acquired int32  `json:"acquired_conns"`
	Max      int32  `json:"max_conns"`
	Acquires int64  `json:"acquire_count"`
	WaitTime string `json:"acquire_duration"`
}

type healthReport struct {
	Status  string     `json:"status"`
	Error   string     `json:"error,omitempty"`
	Latency string     `json:"latency"`
	Pool    *poolUsage `json:"pool,omitempty"`
}

func usageOf(p Pinger) *poolUsage {
	pool, ok := p.(*pgxpool.Pool)
	if !ok {
		return nil
	}
	s := pool.Stat()
	return &poolUsage{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
		Acquires: s.AcquireCount(),
		WaitTime: s.AcquireDuration().String(),
	}
}

// HealthHandler serves /health/db: 200 when the session database answers a
// ping, 503 otherwise.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)
		report := healthReport{Status: "healthy", Latency: time.Since(start).String(), Pool: usageOf(p)}
		if err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
