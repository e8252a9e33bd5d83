package cohort

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type event struct {
	patient int64
	on      string
}

// eventCalc returns patients with an event inside [startDate, endDate].
func eventCalc(events []event) CalculatorFunc {
	return func(_ context.Context, env Env) (PatientSet, error) {
		start, end := env["startDate"].Date(), env["endDate"].Date()
		var ids []int64
		for _, e := range events {
			d, err := time.Parse(DateLayout, e.on)
			if err != nil {
				return PatientSet{}, err
			}
			if !d.Before(start) && !d.After(end) {
				ids = append(ids, e.patient)
			}
		}
		return NewPatientSet(ids...), nil
	}
}

func fixed(ids ...int64) CalculatorFunc {
	return func(context.Context, Env) (PatientSet, error) { return NewPatientSet(ids...), nil }
}

// countingCalc counts invocations and records the env each one saw.
type countingCalc struct {
	mu    sync.Mutex
	calls int
	envs  []Env
	ids   []int64
}

func (c *countingCalc) Calculate(_ context.Context, env Env) (PatientSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.envs = append(c.envs, env)
	return NewPatientSet(c.ids...), nil
}

func (c *countingCalc) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingRunner struct {
	mu   sync.Mutex
	sql  []string
	args [][]any
	ids  []int64
	err  error
}

func (r *recordingRunner) QueryPatientIDs(_ context.Context, sql string, args []any) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return r.ids, r.err
}

func mustCompile(t *testing.T, defs []Definition, calcs map[string]Calculator) *Library {
	t.Helper()
	lib, err := Compile(defs, Collaborators{SQL: nopRunner{}, Calculations: calcs})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return lib
}

func reportEnv(t *testing.T, end string) Env {
	t.Helper()
	return Env{"endDate": DateValue(date(t, end))}
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

func TestEngine_StartedArtScenario(t *testing.T) {
	lib := mustCompile(t, []Definition{
		{ID: "STARTED_ART", Kind: KindCalculation, Calculation: "art", Parameters: []Parameter{endDate}},
		{ID: "TRANSFERRED_IN", Kind: KindCalculation, Calculation: "ti", Parameters: []Parameter{endDate}},
		{ID: "NEW_ON_ART", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children: []ChildDefinition{
				{Alias: "STARTED_ART", Cohort: "STARTED_ART"},
				{Alias: "TRANSFERRED_IN", Cohort: "TRANSFERRED_IN"},
			},
			Expression: "STARTED_ART AND NOT TRANSFERRED_IN"},
	}, map[string]Calculator{"art": fixed(1, 2, 3, 4), "ti": fixed(3, 4, 5)})

	res, err := NewEngine(lib).Evaluate(context.Background(), "NEW_ON_ART", reportEnv(t, "2024-06-30"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := NewPatientSet(1, 2); !res.Patients.Equal(want) {
		t.Errorf("patients = %v, want %v", res.Patients, want)
	}
	if res.CohortID != "NEW_ON_ART" || res.Stats.Computes != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestEngine_ResolvesChildBindings(t *testing.T) {
	calc := &countingCalc{ids: []int64{1}}
	lib := mustCompile(t, []Definition{
		{ID: "ON_ART", Kind: KindCalculation, Calculation: "c", Parameters: []Parameter{startDate, endDate}},
		{ID: "ROOT", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children: []ChildDefinition{{Alias: "A", Cohort: "ON_ART",
				Bindings: map[string]string{"startDate": "${endDate-6m+1d}"}}},
			Expression: "A"},
	}, map[string]Calculator{"c": calc})

	if _, err := NewEngine(lib).Evaluate(context.Background(), "ROOT", reportEnv(t, "2024-06-30")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calc.count() != 1 {
		t.Fatalf("calc called %d times", calc.count())
	}
	env := calc.envs[0]
	if env["startDate"].String() != "2024-01-01" || env["endDate"].String() != "2024-06-30" {
		t.Errorf("child env = %v, want startDate=2024-01-01 endDate=2024-06-30", env.Strings())
	}
}

func TestEngine_SharedLeafComputedOncePerResolvedParams(t *testing.T) {
	died := &countingCalc{ids: []int64{9}}
	lib := mustCompile(t, []Definition{
		{ID: "DIED", Kind: KindCalculation, Calculation: "died", Parameters: []Parameter{endDate}},
		{ID: "ART", Kind: KindCalculation, Calculation: "art", Parameters: []Parameter{endDate}},
		{ID: "TX_CURR", Kind: KindComposite, Parameters: []Parameter{endDate, location},
			Children: []ChildDefinition{{Alias: "A", Cohort: "ART"}, {Alias: "D", Cohort: "DIED"}},
			Expression: "A AND NOT D"},
		{ID: "TX_ML", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children: []ChildDefinition{{Alias: "D", Cohort: "DIED"},
				{Alias: "PREV", Cohort: "TX_CURR", Bindings: map[string]string{"endDate": "${endDate-3m}"}}},
			Expression: "D OR PREV"},
		{ID: "REPORT", Kind: KindComposite, Parameters: []Parameter{endDate, location},
			Children: []ChildDefinition{
				{Alias: "CURR", Cohort: "TX_CURR"},
				{Alias: "ML", Cohort: "TX_ML"},
				// Same day as ${endDate} written differently.
				{Alias: "D2", Cohort: "DIED", Bindings: map[string]string{"endDate": "${endDate+1m-1m}"}},
			},
			Expression: "CURR OR ML OR D2"},
	}, map[string]Calculator{"died": died, "art": fixed(1, 2, 9)})

	env := reportEnv(t, "2024-06-30")
	env["location"] = LocationValue(4)
	res, err := NewEngine(lib).Evaluate(context.Background(), "REPORT", env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// DIED at 2024-06-30 (shared by TX_CURR, TX_ML and D2) and at 2024-03-31.
	if died.count() != 2 {
		t.Errorf("DIED computed %d times, want 2", died.count())
	}
	// REPORT, TX_CURR and TX_ML once each, TX_CURR again three months back,
	// ART and DIED at both dates.
	if res.Stats.Computes != 8 {
		t.Errorf("computes = %d, want 8 (stats %+v)", res.Stats.Computes, res.Stats)
	}
}

func TestEngine_SQLLeafGetsPositionalArgs(t *testing.T) {
	runner := &recordingRunner{ids: []int64{5, 6, 5}}
	lib, err := Compile([]Definition{
		sqlDef("VL", "SELECT patient_id FROM vl WHERE d BETWEEN :startDate AND :endDate AND (:location IS NULL OR l = :location)",
			startDate, endDate, location),
	}, Collaborators{SQL: runner})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	env := Env{"startDate": DateValue(date(t, "2024-01-01")), "endDate": DateValue(date(t, "2024-03-31"))}
	res, err := NewEngine(lib).Evaluate(context.Background(), "VL", env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Patients.Equal(NewPatientSet(5, 6)) {
		t.Errorf("patients = %v", res.Patients)
	}
	if len(runner.sql) != 1 {
		t.Fatalf("runner called %d times", len(runner.sql))
	}
	want := "SELECT patient_id FROM vl WHERE d BETWEEN $1 AND $2 AND ($3 IS NULL OR l = $3)"
	if runner.sql[0] != want {
		t.Errorf("sql = %q, want %q", runner.sql[0], want)
	}
	if args := runner.args[0]; len(args) != 3 || args[2] != nil {
		t.Errorf("args = %v, want 3 with NULL location", args)
	}
}

func TestEngine_DecomposedNode(t *testing.T) {
	events := []event{{1, "2024-04-03"}, {2, "2024-05-20"}, {3, "2024-06-30"}, {4, "2024-07-01"}}
	calc := eventCalc(events)
	var calls atomic.Int32
	counted := CalculatorFunc(func(ctx context.Context, env Env) (PatientSet, error) {
		calls.Add(1)
		return calc(ctx, env)
	})
	lib := mustCompile(t, []Definition{
		{ID: "ENROLLED", Kind: KindCalculation, Calculation: "enrolled", Parameters: []Parameter{startDate, endDate}},
		{ID: "ENROLLED_BY_MONTH", Kind: KindDecomposed, Target: "ENROLLED", Granularity: GranularityMonth,
			Parameters: []Parameter{startDate, endDate}},
		{ID: "Q", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children: []ChildDefinition{{Alias: "M", Cohort: "ENROLLED_BY_MONTH",
				Bindings: map[string]string{"startDate": "${endDate-3m+1d}"}}},
			Expression: "M"},
	}, map[string]Calculator{"enrolled": counted})

	res, err := NewEngine(lib).Evaluate(context.Background(), "Q", reportEnv(t, "2024-06-30"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := NewPatientSet(1, 2, 3); !res.Patients.Equal(want) {
		t.Errorf("patients = %v, want %v", res.Patients, want)
	}
	if calls.Load() != 3 {
		t.Errorf("leaf evaluated %d times, want once per month", calls.Load())
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestEngine_LeafFailurePropagates(t *testing.T) {
	boom := errors.New("connection reset")
	var fail atomic.Bool
	fail.Store(true)
	flaky := CalculatorFunc(func(context.Context, Env) (PatientSet, error) {
		if fail.Load() {
			return PatientSet{}, boom
		}
		return NewPatientSet(1), nil
	})
	lib := mustCompile(t, []Definition{
		{ID: "FLAKY", Kind: KindCalculation, Calculation: "flaky", Parameters: []Parameter{endDate}},
		{ID: "OK", Kind: KindCalculation, Calculation: "ok", Parameters: []Parameter{endDate}},
		{ID: "ROOT", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children:   []ChildDefinition{{Alias: "F", Cohort: "FLAKY"}, {Alias: "O", Cohort: "OK"}},
			Expression: "O OR F"},
	}, map[string]Calculator{"flaky": flaky, "ok": fixed(2)})
	engine := NewEngine(lib)

	res, err := engine.Evaluate(context.Background(), "ROOT", reportEnv(t, "2024-06-30"))
	if res != nil {
		t.Errorf("failed run returned a result: %+v", res)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want cause %v", err, boom)
	}
	var ee *EvalError
	if !errors.As(err, &ee) || ee.NodeID != "FLAKY" {
		t.Errorf("error should be attributed to FLAKY, got %v", err)
	}

	fail.Store(false)
	res, err = engine.Evaluate(context.Background(), "ROOT", reportEnv(t, "2024-06-30"))
	if err != nil {
		t.Fatalf("retry: unexpected error: %v", err)
	}
	if !res.Patients.Equal(NewPatientSet(1, 2)) {
		t.Errorf("retry patients = %v", res.Patients)
	}
}

func TestEngine_PanicBecomesError(t *testing.T) {
	lib := mustCompile(t, []Definition{
		{ID: "BAD", Kind: KindCalculation, Calculation: "bad"},
	}, map[string]Calculator{"bad": CalculatorFunc(func(context.Context, Env) (PatientSet, error) {
		panic("nil concept map")
	})})
	_, err := NewEngine(lib).Evaluate(context.Background(), "BAD", nil)
	var ee *EvalError
	if !errors.As(err, &ee) || ee.NodeID != "BAD" {
		t.Errorf("expected attributed error, got %v", err)
	}
}

func TestEngine_RootParameterErrors(t *testing.T) {
	lib := mustCompile(t, []Definition{
		{ID: "L", Kind: KindCalculation, Calculation: "c", Parameters: []Parameter{endDate}},
	}, map[string]Calculator{"c": fixed(1)})
	engine := NewEngine(lib)

	if _, err := engine.Evaluate(context.Background(), "L", Env{}); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("expected ErrMissingParameter, got %v", err)
	}
	if _, err := engine.Evaluate(context.Background(), "L", Env{"endDate": IntValue(3)}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := engine.Evaluate(context.Background(), "NOPE", nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Cancellation and concurrency
// ---------------------------------------------------------------------------

func blockingLib(t *testing.T, started chan<- struct{}) *Library {
	block := CalculatorFunc(func(ctx context.Context, _ Env) (PatientSet, error) {
		started <- struct{}{}
		<-ctx.Done()
		return PatientSet{}, ctx.Err()
	})
	return mustCompile(t, []Definition{
		{ID: "SLOW", Kind: KindCalculation, Calculation: "slow", Parameters: []Parameter{endDate}},
		{ID: "ROOT", Kind: KindComposite, Parameters: []Parameter{endDate},
			Children: []ChildDefinition{
				{Alias: "A", Cohort: "SLOW"},
				{Alias: "B", Cohort: "SLOW", Bindings: map[string]string{"endDate": "${endDate-1m}"}},
			},
			Expression: "A AND B"},
	}, map[string]Calculator{"slow": block})
}

func TestRun_Cancel(t *testing.T) {
	started := make(chan struct{}, 2)
	run := NewEngine(blockingLib(t, started)).NewRun(context.Background())
	defer run.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := run.Evaluate("ROOT", reportEnv(t, "2024-06-30"))
		errc <- err
	}()
	<-started
	run.Cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	waitFor(t, func() bool {
		return run.Cache().State(NewCacheKey("SLOW", reportEnv(t, "2024-06-30"))) == StateAbsent
	})
	if run.Cache().Len() != 0 {
		t.Errorf("cancelled run cached %d entries", run.Cache().Len())
	}
}

func TestRun_ParentContextCancelled(t *testing.T) {
	started := make(chan struct{}, 2)
	ctx, cancel := context.WithCancel(context.Background())
	engine := NewEngine(blockingLib(t, started))

	errc := make(chan error, 1)
	go func() {
		_, err := engine.Evaluate(ctx, "ROOT", reportEnv(t, "2024-06-30"))
		errc <- err
	}()
	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want ErrCancelled wrapping context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after context cancel")
	}
}

func TestRun_EvaluateAfterCancel(t *testing.T) {
	lib := mustCompile(t, []Definition{
		{ID: "L", Kind: KindCalculation, Calculation: "c", Parameters: []Parameter{endDate}},
	}, map[string]Calculator{"c": fixed(1)})
	run := NewEngine(lib).NewRun(context.Background())
	run.Cancel()
	if _, err := run.Evaluate("L", reportEnv(t, "2024-06-30")); !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestEngine_LimitsConcurrentLeaves(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := CalculatorFunc(func(context.Context, Env) (PatientSet, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return NewPatientSet(1), nil
	})

	defs := []Definition{}
	calcs := map[string]Calculator{}
	var children []ChildDefinition
	expr := ""
	for i := 0; i < 6; i++ {
		id := string(rune('A' + i))
		defs = append(defs, Definition{ID: "LEAF_" + id, Kind: KindCalculation, Calculation: id})
		calcs[id] = slow
		children = append(children, ChildDefinition{Alias: id, Cohort: "LEAF_" + id})
		if i > 0 {
			expr += " OR "
		}
		expr += id
	}
	defs = append(defs, Definition{ID: "ROOT", Kind: KindComposite, Children: children, Expression: expr})
	lib := mustCompile(t, defs, calcs)

	if _, err := NewEngine(lib, WithMaxConcurrentLeaves(2)).Evaluate(context.Background(), "ROOT", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrent leaves = %d, want <= 2", peak.Load())
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	leaves   int
	outcomes []string
}

func (f *fakeRecorder) ObserveLeaf(string, time.Duration, error) {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
}

func (f *fakeRecorder) ObserveRun(outcome string, _ time.Duration, _ CacheStats) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
}

func TestEngine_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	lib := mustCompile(t, []Definition{
		{ID: "A", Kind: KindCalculation, Calculation: "a"},
		{ID: "B", Kind: KindCalculation, Calculation: "b"},
		{ID: "ROOT", Kind: KindComposite,
			Children:   []ChildDefinition{{Alias: "A", Cohort: "A"}, {Alias: "B", Cohort: "B"}},
			Expression: "A OR B"},
	}, map[string]Calculator{"a": fixed(1), "b": fixed(2)})
	engine := NewEngine(lib, WithRecorder(rec))

	if _, err := engine.Evaluate(context.Background(), "ROOT", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	engine.Evaluate(context.Background(), "MISSING", nil)

	if rec.leaves != 2 {
		t.Errorf("leaves observed = %d, want 2", rec.leaves)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeSuccess {
		t.Errorf("outcomes = %v, want [success]", rec.outcomes)
	}
}

func TestComposite_RestrictsChildEnv(t *testing.T) {
	// Built by hand: Compile rejects this wiring.
	var calls atomic.Int32
	leaf := &CalculationLeaf{
		nodeBase: nodeBase{id: "AT_SITE", params: []Parameter{{Name: "location", Type: TypeLocation, Required: true}}},
		name:     "site",
		calc: CalculatorFunc(func(context.Context, Env) (PatientSet, error) {
			calls.Add(1)
			return NewPatientSet(1), nil
		}),
	}
	expr, err := ParseComposition("A")
	if err != nil {
		t.Fatalf("ParseComposition: %v", err)
	}
	root := &Composite{
		nodeBase: nodeBase{id: "ROOT", params: []Parameter{location}},
		children: []Child{{Alias: "A", Node: leaf}},
		expr:     expr,
	}
	lib := &Library{nodes: map[string]Node{"AT_SITE": leaf, "ROOT": root}, ids: []string{"AT_SITE", "ROOT"}}

	_, err = NewEngine(lib).Evaluate(context.Background(), "ROOT", Env{})
	var ee *EvalError
	if !errors.As(err, &ee) || !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected ErrMissingParameter EvalError, got %v", err)
	}
	if ee.NodeID != "ROOT" || ee.Param != "A.location" {
		t.Errorf("error attributed to %s/%s, want ROOT/A.location", ee.NodeID, ee.Param)
	}
	if calls.Load() != 0 {
		t.Errorf("leaf ran %d times without its required parameter", calls.Load())
	}
}
