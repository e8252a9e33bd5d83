package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/cohort/library"
	"github.com/ehr/cohort/internal/cohort/pgsql"
	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/runlog"
	"github.com/ehr/cohort/internal/platform/telemetry"
)

var errNoDatabase = errors.New("sql cohorts need DATABASE_URL")

// offlineRunner lets SQL cohorts compile without a database; evaluating one
// fails.
type offlineRunner struct{}

func (offlineRunner) QueryPatientIDs(context.Context, string, []any) ([]int64, error) {
	return nil, errNoDatabase
}

// builtinCalculations are the in-process calculation leaves available to
// libraries loaded by this binary.
var builtinCalculations = map[string]cohort.Calculator{}

func compileLibrary(path string, runner cohort.SQLRunner, calcs map[string]cohort.Calculator) (*cohort.Library, error) {
	defs, err := library.Load(path)
	if err != nil {
		return nil, err
	}
	if calcs == nil {
		calcs = builtinCalculations
	}
	return cohort.Compile(defs, cohort.Collaborators{SQL: runner, Calculations: calcs})
}

// app holds the long-lived collaborators shared by serve and run.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	library   *cohort.Library
	engine    *cohort.Engine
	runs      runlog.Store
	telemetry *telemetry.Provider
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		telemetry: telemetry.NewProvider(telemetry.Config{
			ServiceName:    "cohort-engine",
			Environment:    cfg.Env,
			MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
			TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		}),
	}

	var runner cohort.SQLRunner = offlineRunner{}
	if cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:        cfg.DatabaseURL,
			MaxConns:   cfg.DBMaxConns,
			MinConns:   cfg.DBMinConns,
			SearchPath: cfg.DBSearchPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		runner = pgsql.NewRunner(pool,
			pgsql.WithTimeout(cfg.LeafQueryTimeout),
			pgsql.WithLogger(logger.With().Str("component", "pgsql").Logger()))
	} else {
		logger.Warn().Msg("DATABASE_URL not set; sql cohorts will fail and runs are kept in memory")
	}

	lib, err := compileLibrary(cfg.CohortLibrary, runner, nil)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("compile cohort library %s: %w", cfg.CohortLibrary, err)
	}
	a.library = lib
	a.engine = cohort.NewEngine(lib,
		cohort.WithLogger(logger.With().Str("component", "engine").Logger()),
		cohort.WithRecorder(a.telemetry),
		cohort.WithTracer(a.telemetry.Tracer()),
		cohort.WithMaxConcurrentLeaves(cfg.MaxConcurrentLeaves),
	)

	switch {
	case cfg.RunlogEnabled && a.pool != nil:
		a.runs = runlog.NewPGStore(a.pool)
	case cfg.RunlogEnabled:
		a.runs = runlog.NewMemoryStore(0)
	}

	logger.Info().Str("library", cfg.CohortLibrary).Int("cohorts", lib.Len()).Msg("cohort library compiled")
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.telemetry.Shutdown(context.Background())
}
