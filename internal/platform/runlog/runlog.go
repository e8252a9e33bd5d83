// Package runlog keeps the history of cohort runs: who was evaluated, under
// which parameters, with what outcome.
package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/cohort/internal/cohort"
)

// ErrNotFound is returned when no run exists for an id.
var ErrNotFound = errors.New("run not found")

// Entry is one recorded run.
type Entry struct {
	ID           uuid.UUID         `json:"id"`
	CohortID     string            `json:"cohort_id"`
	Parameters   map[string]string `json:"parameters"`
	Status       string            `json:"status"`
	PatientCount int               `json:"patient_count"`
	PatientIDs   []int64           `json:"patient_ids"`
	Error        string            `json:"error,omitempty"`
	CacheHits    uint64            `json:"cache_hits"`
	CacheMisses  uint64            `json:"cache_misses"`
	Computes     uint64            `json:"computes"`
	StartedAt    time.Time         `json:"started_at"`
	DurationMS   int64             `json:"duration_ms"`
}

// Store persists run entries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	// ListRecent returns the newest runs first, skipping offset entries. An
	// empty cohortID lists runs of every cohort.
	ListRecent(ctx context.Context, cohortID string, limit, offset int) ([]Entry, error)
}

// Succeeded builds the entry for a finished run.
func Succeeded(res *cohort.Result, startedAt time.Time) Entry {
	return Entry{
		ID:           res.RunID,
		CohortID:     res.CohortID,
		Parameters:   res.Params.Strings(),
		Status:       cohort.OutcomeSuccess,
		PatientCount: res.Patients.Len(),
		PatientIDs:   res.Patients.Members(),
		CacheHits:    res.Stats.Hits,
		CacheMisses:  res.Stats.Misses,
		Computes:     res.Stats.Computes,
		StartedAt:    startedAt.UTC(),
		DurationMS:   res.Duration.Milliseconds(),
	}
}

// Failed builds the entry for a run that returned err. Cancellation is
// recorded with its own status.
func Failed(runID uuid.UUID, cohortID string, params map[string]string, stats cohort.CacheStats,
	startedAt time.Time, elapsed time.Duration, err error) Entry {
	status := cohort.OutcomeFailure
	if errors.Is(err, cohort.ErrCancelled) || errors.Is(err, context.DeadlineExceeded) {
		status = cohort.OutcomeCancelled
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Entry{
		ID:          runID,
		CohortID:    cohortID,
		Parameters:  params,
		Status:      status,
		PatientIDs:  []int64{},
		Error:       msg,
		CacheHits:   stats.Hits,
		CacheMisses: stats.Misses,
		Computes:    stats.Computes,
		StartedAt:   startedAt.UTC(),
		DurationMS:  elapsed.Milliseconds(),
	}
}
