package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of the connection pool. EmptyAcquires counts
// acquisitions that had to wait because every connection was busy; a steady
// rise means MAX_CONCURRENT_LEAVES outruns DB_MAX_CONNS.
type PoolStats struct {
	TotalConns     int32   `json:"total_conns"`
	IdleConns      int32   `json:"idle_conns"`
	AcquiredConns  int32   `json:"acquired_conns"`
	MaxConns       int32   `json:"max_conns"`
	Acquires       int64   `json:"acquires"`
	EmptyAcquires  int64   `json:"empty_acquires"`
	AcquireSeconds float64 `json:"acquire_seconds"`
	Saturated      bool    `json:"saturated"`
}

// GetPoolStats snapshots pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:     stat.TotalConns(),
		IdleConns:      stat.IdleConns(),
		AcquiredConns:  stat.AcquiredConns(),
		MaxConns:       stat.MaxConns(),
		Acquires:       stat.AcquireCount(),
		EmptyAcquires:  stat.EmptyAcquireCount(),
		AcquireSeconds: stat.AcquireDuration().Seconds(),
		Saturated:      stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns(),
	}
}

// Pinger is the part of the pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers /health/db: 200 when the database responds to a
// ping within five seconds, 503 otherwise. A saturated pool is reported as
// "degraded" but still answers 200, since runs queue rather than fail.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		body := map[string]interface{}{}
		if pool, ok := p.(*pgxpool.Pool); ok {
			stats := GetPoolStats(pool)
			body["pool"] = stats
			if stats.Saturated {
				status = "degraded"
			}
		}

		if err := p.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = status
		return c.JSON(http.StatusOK, body)
	}
}
