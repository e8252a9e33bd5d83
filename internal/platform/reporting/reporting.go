// Package reporting exposes the cohort library over HTTP: listing cohorts,
// evaluating one for a report run, and reading back run history.
package reporting

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/platform/runlog"
	"github.com/ehr/cohort/pkg/pagination"
)

// CohortSummary describes one cohort of the library.
type CohortSummary struct {
	ID          string             `json:"id"`
	Kind        cohort.Kind        `json:"kind"`
	Description string             `json:"description,omitempty"`
	Parameters  []cohort.Parameter `json:"parameters"`
}

// CohortDetail adds the dependency graph to a summary.
type CohortDetail struct {
	CohortSummary
	Dependencies []string `json:"dependencies"`
	Plan         string   `json:"plan"`
}

// EvaluateRequest carries the top-level parameters of a run as strings,
// parsed against the cohort's declared types.
type EvaluateRequest struct {
	Parameters map[string]string `json:"parameters"`
}

// EvaluateResponse is the result of one run.
type EvaluateResponse struct {
	RunID        uuid.UUID         `json:"run_id"`
	CohortID     string            `json:"cohort_id"`
	Parameters   map[string]string `json:"parameters"`
	PatientCount int               `json:"patient_count"`
	Patients     cohort.PatientSet `json:"patients"`
	Cache        cohort.CacheStats `json:"cache"`
	DurationMS   int64             `json:"duration_ms"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// Handler provides HTTP handlers for the cohort API.
type Handler struct {
	engine  *cohort.Engine
	runs    runlog.Store
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithRunTimeout bounds every evaluation. Zero means no bound beyond the
// request context.
func WithRunTimeout(d time.Duration) Option { return func(h *Handler) { h.timeout = d } }

// WithLogger sets the handler logger.
func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.logger = l } }

// NewHandler creates a cohort handler. runs may be nil, in which case runs
// are not recorded and run lookups return 404.
func NewHandler(engine *cohort.Engine, runs runlog.Store, opts ...Option) *Handler {
	h := &Handler{engine: engine, runs: runs, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the cohort API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cohorts", h.ListCohorts)
	api.GET("/cohorts/:id", h.GetCohort)
	api.POST("/cohorts/:id/evaluate", h.EvaluateCohort)
	api.GET("/cohorts/:id/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
}

// ListCohorts returns every cohort of the library, sorted by id.
func (h *Handler) ListCohorts(c echo.Context) error {
	lib := h.engine.Library()
	out := make([]CohortSummary, 0, lib.Len())
	for _, id := range lib.IDs() {
		n, _ := lib.Node(id)
		out = append(out, summarize(n))
	}
	return c.JSON(http.StatusOK, out)
}

// GetCohort returns one cohort with its direct dependencies and the
// rendered evaluation plan.
func (h *Handler) GetCohort(c echo.Context) error {
	lib := h.engine.Library()
	n, ok := lib.Node(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "cohort not found")
	}
	plan, err := lib.Explain(n.ID())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	deps := make([]string, 0, len(n.Dependencies()))
	for _, d := range n.Dependencies() {
		deps = append(deps, d.ID())
	}
	return c.JSON(http.StatusOK, CohortDetail{CohortSummary: summarize(n), Dependencies: deps, Plan: plan})
}

// EvaluateCohort runs a cohort under the request's parameters. Parameters
// come from the JSON body, or from the query string when the body is empty.
func (h *Handler) EvaluateCohort(c echo.Context) error {
	cohortID := c.Param("id")
	node, ok := h.engine.Library().Node(cohortID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "cohort not found")
	}

	var req EvaluateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if len(req.Parameters) == 0 {
		req.Parameters = map[string]string{}
		for name, values := range c.QueryParams() {
			if len(values) > 0 {
				req.Parameters[name] = values[0]
			}
		}
	}

	env, err := cohort.ParseEnv(node.Parameters(), req.Parameters)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	run := h.engine.NewRun(ctx)
	defer run.Close()

	started := time.Now()
	res, err := run.Evaluate(cohortID, env)
	if err != nil {
		h.record(ctx, runlog.Failed(run.ID(), cohortID, req.Parameters, run.Cache().Stats(), started, time.Since(started), err))
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	h.record(ctx, runlog.Succeeded(res, started))

	return c.JSON(http.StatusOK, EvaluateResponse{
		RunID:        res.RunID,
		CohortID:     res.CohortID,
		Parameters:   res.Params.Strings(),
		PatientCount: res.Patients.Len(),
		Patients:     res.Patients,
		Cache:        res.Stats,
		DurationMS:   res.Duration.Milliseconds(),
		GeneratedAt:  started.UTC(),
	})
}

// ListRuns returns recent runs of a cohort, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	if h.runs == nil {
		return c.JSON(http.StatusOK, pagination.NewResponse[runlog.Entry](nil, pagination.Params{Limit: pagination.DefaultLimit}))
	}
	page, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entries, err := h.runs.ListRecent(c.Request().Context(), c.Param("id"), page.Fetch(), page.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, page))
}

// GetRun returns one recorded run.
func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if h.runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	e, err := h.runs.Get(c.Request().Context(), id)
	if errors.Is(err, runlog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// record stores a run entry. It outlives the request context so that
// cancelled and timed-out runs are still recorded.
func (h *Handler) record(ctx context.Context, e runlog.Entry) {
	if h.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.runs.Record(ctx, e); err != nil {
		h.logger.Error().Err(err).Str("run_id", e.ID.String()).Msg("failed to record run")
	}
}

func summarize(n cohort.Node) CohortSummary {
	return CohortSummary{ID: n.ID(), Kind: n.Kind(), Description: n.Description(), Parameters: n.Parameters()}
}

// statusFor maps an evaluation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, cohort.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, cohort.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, cohort.ErrUnknownParameter),
		errors.Is(err, cohort.ErrMissingParameter),
		errors.Is(err, cohort.ErrTypeMismatch),
		errors.Is(err, cohort.ErrInvalidValue),
		errors.Is(err, cohort.ErrInvalidInterval):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
