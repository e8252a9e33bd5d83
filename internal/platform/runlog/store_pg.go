package runlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgStore struct {
	db Querier
}

// NewPGStore returns a Store backed by the cohort_run table.
func NewPGStore(db Querier) Store {
	return &pgStore{db: db}
}

const entryColumns = `id, cohort_id, parameters, status, patient_count, patient_ids, error,
	cache_hits, cache_misses, computes, started_at, duration_ms`

func (s *pgStore) Record(ctx context.Context, e Entry) error {
	if e.Parameters == nil {
		e.Parameters = map[string]string{}
	}
	if e.PatientIDs == nil {
		e.PatientIDs = []int64{}
	}
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO cohort_run (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.CohortID, e.Parameters, e.Status, e.PatientCount, e.PatientIDs, errText,
		int64(e.CacheHits), int64(e.CacheMisses), int64(e.Computes), e.StartedAt, e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", e.ID, err)
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM cohort_run WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return e, nil
}

func (s *pgStore) ListRecent(ctx context.Context, cohortID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+` FROM cohort_run
		 WHERE ($1 = '' OR cohort_id = $1)
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`, cohortID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                      Entry
		errText                *string
		hits, misses, computes int64
	)
	err := row.Scan(&e.ID, &e.CohortID, &e.Parameters, &e.Status, &e.PatientCount, &e.PatientIDs, &errText,
		&hits, &misses, &computes, &e.StartedAt, &e.DurationMS)
	if err != nil {
		return Entry{}, err
	}
	if errText != nil {
		e.Error = *errText
	}
	e.CacheHits, e.CacheMisses, e.Computes = uint64(hits), uint64(misses), uint64(computes)
	return e, nil
}
