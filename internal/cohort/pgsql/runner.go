// Package pgsql runs SQL cohort leaves against PostgreSQL.
package pgsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Runner implements cohort.SQLRunner. Each query must return a single
// integer patient id column; NULL ids are skipped.
type Runner struct {
	db      Querier
	timeout time.Duration
	logger  zerolog.Logger
}

type Option func(*Runner)

// WithTimeout bounds each leaf query. Zero means no limit beyond the run's.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.logger = l } }

func NewRunner(db Querier, opts ...Option) *Runner {
	r := &Runner{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueryPatientIDs runs sql with positional args.
func (r *Runner) QueryPatientIDs(ctx context.Context, sql string, args []any) ([]int64, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query patient ids: %w", describe(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[*int64])
	if err != nil {
		return nil, fmt.Errorf("collect patient ids: %w", describe(err))
	}

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != nil {
			out = append(out, *id)
		}
	}
	r.logger.Debug().Int("rows", len(out)).Dur("latency", time.Since(start)).Msg("leaf query")
	return out, nil
}

// describe adds the server's detail to PostgreSQL errors; the original stays
// reachable through errors.As.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Position > 0 {
		return fmt.Errorf("%w (sqlstate %s at position %d)", err, pgErr.Code, pgErr.Position)
	}
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pgErr.Code)
	}
	return err
}
