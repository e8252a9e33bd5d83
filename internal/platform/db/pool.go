package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig configures the connection pool shared by leaf queries and the
// run log.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// SearchPath, when set, is applied to every new connection so cohort SQL
	// can name clinical tables without a schema prefix.
	SearchPath string
}

// NewPool connects and pings the database.
func NewPool(ctx context.Context, cfg PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	if cfg.SearchPath != "" {
		if !schemaPattern.MatchString(cfg.SearchPath) {
			return nil, fmt.Errorf("invalid search path %q", cfg.SearchPath)
		}
		stmt := fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{cfg.SearchPath}.Sanitize())
		pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().
		Str("host", pcfg.ConnConfig.Host).
		Str("database", pcfg.ConnConfig.Database).
		Int32("max_conns", pcfg.MaxConns).
		Str("search_path", cfg.SearchPath).
		Msg("database pool ready")
	return pool, nil
}
