package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/middleware"
	"github.com/ehr/cohort/internal/platform/reporting"
)

const version = "0.1.0"

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"cohorts": a.library.Len(),
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", a.telemetry.PrometheusHandler())

	handler := reporting.NewHandler(a.engine, a.runs,
		reporting.WithRunTimeout(a.cfg.RunTimeout),
		reporting.WithLogger(a.logger.With().Str("component", "reporting").Logger()))
	handler.RegisterRoutes(e.Group("/api/v1"))
	return e
}

// watchPool copies pool statistics into the metrics registry until ctx ends.
func watchPool(ctx context.Context, a *app, every time.Duration) {
	if a.pool == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		stats := db.GetPoolStats(a.pool)
		a.telemetry.SetDBPool(stats.TotalConns, stats.IdleConns, stats.AcquiredConns)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go watchPool(ctx, a, 15*time.Second)

	e := newServer(a)
	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
