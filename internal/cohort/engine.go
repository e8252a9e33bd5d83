package cohort

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/ehr/cohort/internal/cohort"

// DefaultMaxConcurrentLeaves bounds concurrent leaf I/O per run.
const DefaultMaxConcurrentLeaves = 8

// Run outcomes reported to the Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Recorder receives engine measurements. A nil Recorder is replaced by a
// no-op.
type Recorder interface {
	ObserveLeaf(kind string, d time.Duration, err error)
	ObserveRun(outcome string, d time.Duration, stats CacheStats)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLeaf(string, time.Duration, error)     {}
func (nopRecorder) ObserveRun(string, time.Duration, CacheStats) {}

// Engine evaluates cohorts of a compiled Library. It holds no per-run state
// and is safe for concurrent use.
type Engine struct {
	lib       *Library
	logger    zerolog.Logger
	metrics   Recorder
	tracer    trace.Tracer
	maxLeaves int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithMaxConcurrentLeaves bounds how many leaf evaluations of one run may be
// in flight at once. Values below 1 are ignored.
func WithMaxConcurrentLeaves(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLeaves = int64(n)
		}
	}
}

func NewEngine(lib *Library, opts ...Option) *Engine {
	e := &Engine{
		lib:       lib,
		logger:    zerolog.Nop(),
		metrics:   nopRecorder{},
		tracer:    otel.Tracer(tracerName),
		maxLeaves: DefaultMaxConcurrentLeaves,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Library() *Library { return e.lib }

// Result is the outcome of one successful report run.
type Result struct {
	RunID    uuid.UUID
	CohortID string
	Params   Env
	Patients PatientSet
	Stats    CacheStats
	Duration time.Duration
}

// Evaluate runs cohortID with the given top-level parameters. It blocks until
// the run finishes; the run's cache is discarded on return.
func (e *Engine) Evaluate(ctx context.Context, cohortID string, params Env) (*Result, error) {
	run := e.NewRun(ctx)
	defer run.Close()
	return run.Evaluate(cohortID, params)
}

// Run is one report execution. It owns the evaluation cache and the
// cancellation signal and is threaded through every node it evaluates.
type Run struct {
	id     uuid.UUID
	engine *Engine
	ctx    context.Context
	cancel context.CancelCauseFunc
	cache  *Cache
	leaves *semaphore.Weighted
	logger zerolog.Logger
}

// NewRun starts a run bound to ctx. Call Close when done.
func (e *Engine) NewRun(ctx context.Context) *Run {
	id := uuid.New()
	runCtx, cancel := context.WithCancelCause(ctx)
	return &Run{
		id:     id,
		engine: e,
		ctx:    runCtx,
		cancel: cancel,
		cache:  NewCache(),
		leaves: semaphore.NewWeighted(e.maxLeaves),
		logger: e.logger.With().Str("run_id", id.String()).Logger(),
	}
}

func (r *Run) ID() uuid.UUID { return r.id }
func (r *Run) Cache() *Cache { return r.cache }

// Cancel aborts the run. In-flight leaves see a cancelled context, pending
// cache entries fail and are evicted, and every waiter returns ErrCancelled.
func (r *Run) Cancel() { r.cancel(ErrCancelled) }

// Close releases the run. It is safe to call more than once.
func (r *Run) Close() { r.cancel(context.Canceled) }

// Evaluate resolves cohortID against params and evaluates it.
func (r *Run) Evaluate(cohortID string, params Env) (*Result, error) {
	start := time.Now()
	node, ok := r.engine.lib.Node(cohortID)
	if !ok {
		return nil, &EvalError{NodeID: cohortID, Err: ErrUnknownNode}
	}
	env, err := restrict(node.ID(), node.Parameters(), params)
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("cohort", cohortID).Interface("params", env.Strings()).Msg("report run started")
	set, err := r.eval(r.ctx, node, env)
	elapsed := time.Since(start)
	stats := r.cache.Stats()

	if err != nil {
		outcome := OutcomeFailure
		if errors.Is(err, ErrCancelled) {
			outcome = OutcomeCancelled
		}
		r.engine.metrics.ObserveRun(outcome, elapsed, stats)
		r.logger.Error().Err(err).Str("cohort", cohortID).Str("outcome", outcome).Dur("latency", elapsed).Msg("report run failed")
		return nil, err
	}

	r.engine.metrics.ObserveRun(OutcomeSuccess, elapsed, stats)
	r.logger.Info().
		Str("cohort", cohortID).
		Int("patients", set.Len()).
		Uint64("cache_hits", stats.Hits).
		Uint64("computes", stats.Computes).
		Dur("latency", elapsed).
		Msg("report run finished")

	return &Result{
		RunID:    r.id,
		CohortID: cohortID,
		Params:   env,
		Patients: set,
		Stats:    stats,
		Duration: elapsed,
	}, nil
}

// EvaluateNode evaluates any node of the run's library under env.
func (r *Run) EvaluateNode(node Node, env Env) (PatientSet, error) {
	restricted, err := restrict(node.ID(), node.Parameters(), env)
	if err != nil {
		return PatientSet{}, err
	}
	return r.eval(r.ctx, node, restricted)
}

// eval goes through the cache. The computation is bound to the run context,
// not the caller's, so a shared entry is not torn down by one waiter leaving.
func (r *Run) eval(ctx context.Context, node Node, env Env) (PatientSet, error) {
	if err := r.cancelled(); err != nil {
		return PatientSet{}, err
	}
	key := NewCacheKey(node.ID(), env)
	set, err := r.cache.GetOrCompute(ctx, key, func() (PatientSet, error) {
		return r.compute(ctx, node, env)
	})
	if err != nil {
		if cerr := r.cancelled(); cerr != nil {
			return PatientSet{}, cerr
		}
		return PatientSet{}, blame(node.ID(), err)
	}
	return set, nil
}

// compute nests its span under the caller's but runs under the run context.
func (r *Run) compute(caller context.Context, node Node, env Env) (set PatientSet, err error) {
	ctx := trace.ContextWithSpanContext(r.ctx, trace.SpanContextFromContext(caller))
	ctx, span := r.engine.tracer.Start(ctx, "cohort.evaluate",
		trace.WithAttributes(
			attribute.String("cohort.id", node.ID()),
			attribute.String("cohort.kind", node.Kind().String()),
			attribute.String("cohort.params", env.Canonical()),
		))
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			r.logger.Error().Str("cohort", node.ID()).Str("panic", fmt.Sprint(rec)).Str("stack", string(buf[:n])).Msg("panic recovered")
			err = &EvalError{NodeID: node.ID(), Err: fmt.Errorf("panic: %v", rec)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("cohort.patients", set.Len()))
		}
		span.End()
	}()

	set, err = node.evaluate(ctx, r, env)
	return set, blame(node.ID(), err)
}

func (r *Run) cancelled() error {
	if r.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(r.ctx)
	if errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
