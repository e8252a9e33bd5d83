package cohort

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// SQLRunner executes leaf SQL. sql uses positional placeholders and args are
// already-resolved values in placeholder order. Timeouts and retries are the
// runner's business.
type SQLRunner interface {
	QueryPatientIDs(ctx context.Context, sql string, args []any) ([]int64, error)
}

// Calculator evaluates a per-patient rule outside SQL.
type Calculator interface {
	Calculate(ctx context.Context, params Env) (PatientSet, error)
}

// CalculatorFunc adapts a function to the Calculator interface.
type CalculatorFunc func(ctx context.Context, params Env) (PatientSet, error)

func (f CalculatorFunc) Calculate(ctx context.Context, params Env) (PatientSet, error) {
	return f(ctx, params)
}

// Kind tags the node variants.
type Kind int

const (
	KindSQL Kind = iota + 1
	KindCalculation
	KindComposite
	KindDecomposed
)

var kindNames = map[Kind]string{
	KindSQL:         "sql",
	KindCalculation: "calculation",
	KindComposite:   "composite",
	KindDecomposed:  "decomposed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == key {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown cohort kind %q", s)
}

// Node is a compiled cohort. The set of implementations is closed: SQLLeaf,
// CalculationLeaf, Composite and Decomposed.
type Node interface {
	ID() string
	Kind() Kind
	Description() string
	Parameters() []Parameter
	// Dependencies lists the nodes this one evaluates directly.
	Dependencies() []Node

	evaluate(ctx context.Context, r *Run, env Env) (PatientSet, error)
}

type nodeBase struct {
	id     string
	desc   string
	params []Parameter
}

func (b *nodeBase) ID() string          { return b.id }
func (b *nodeBase) Description() string { return b.desc }

func (b *nodeBase) Parameters() []Parameter {
	out := make([]Parameter, len(b.params))
	copy(out, b.params)
	return out
}

func (b *nodeBase) scope() map[string]ParamType {
	m := make(map[string]ParamType, len(b.params))
	for _, p := range b.params {
		m[p.Name] = p.Type
	}
	return m
}

func (b *nodeBase) declared() map[string]Parameter {
	m := make(map[string]Parameter, len(b.params))
	for _, p := range b.params {
		m[p.Name] = p
	}
	return m
}

// ---------------------------------------------------------------------------
// Leaves
// ---------------------------------------------------------------------------

// SQLLeaf runs a parameterized query through the injected SQLRunner.
type SQLLeaf struct {
	nodeBase
	tmpl   *SQLTemplate
	runner SQLRunner
}

func (n *SQLLeaf) Kind() Kind             { return KindSQL }
func (n *SQLLeaf) Dependencies() []Node   { return nil }
func (n *SQLLeaf) Template() *SQLTemplate { return n.tmpl }

func (n *SQLLeaf) evaluate(ctx context.Context, r *Run, env Env) (PatientSet, error) {
	args, err := n.tmpl.Bind(env, n.params)
	if err != nil {
		if ee, ok := err.(*EvalError); ok {
			ee.NodeID = n.id
		}
		return PatientSet{}, err
	}
	var ids []int64
	err = r.leaf(ctx, n, func(ctx context.Context) error {
		var qerr error
		ids, qerr = n.runner.QueryPatientIDs(ctx, n.tmpl.Text(), args)
		return qerr
	})
	if err != nil {
		return PatientSet{}, err
	}
	return NewPatientSet(ids...), nil
}

// CalculationLeaf runs a named Calculator.
type CalculationLeaf struct {
	nodeBase
	name string
	calc Calculator
}

func (n *CalculationLeaf) Kind() Kind           { return KindCalculation }
func (n *CalculationLeaf) Dependencies() []Node { return nil }
func (n *CalculationLeaf) Calculation() string  { return n.name }

func (n *CalculationLeaf) evaluate(ctx context.Context, r *Run, env Env) (PatientSet, error) {
	var set PatientSet
	err := r.leaf(ctx, n, func(ctx context.Context) error {
		var cerr error
		set, cerr = n.calc.Calculate(ctx, env.clone())
		return cerr
	})
	if err != nil {
		return PatientSet{}, err
	}
	return set, nil
}

// ---------------------------------------------------------------------------
// Composite
// ---------------------------------------------------------------------------

// Binding maps one child parameter to an expression over the parent's env.
type Binding struct {
	Param Parameter
	Expr  *ParamExpr
}

// Child is one aliased operand of a composite.
type Child struct {
	Alias    string
	Node     Node
	Bindings []Binding
}

// Composite folds its children through a composition expression.
type Composite struct {
	nodeBase
	children []Child
	expr     *Composition
}

func (n *Composite) Kind() Kind               { return KindComposite }
func (n *Composite) Expression() *Composition { return n.expr }

func (n *Composite) Children() []Child {
	out := make([]Child, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Composite) Dependencies() []Node {
	out := make([]Node, len(n.children))
	for i, c := range n.children {
		out[i] = c.Node
	}
	return out
}

func (n *Composite) evaluate(ctx context.Context, r *Run, env Env) (PatientSet, error) {
	envs := make([]Env, len(n.children))
	for i, child := range n.children {
		childEnv, err := bindChild(n.id, child, env)
		if err != nil {
			return PatientSet{}, err
		}
		// Compile rules out a missing required child parameter; this keeps
		// a leaf from ever running without one.
		if childEnv, err = restrict(child.Node.ID(), child.Node.Parameters(), childEnv); err != nil {
			var ee *EvalError
			if errors.As(err, &ee) {
				return PatientSet{}, &EvalError{NodeID: n.id, Param: child.Alias + "." + ee.Param, Err: ee.Err}
			}
			return PatientSet{}, err
		}
		envs[i] = childEnv
	}

	// A failing child cancels gctx, which releases the waits only. Sibling
	// computations run on the run context since other callers may share
	// them; they stop when the run is closed.
	results := make([]PatientSet, len(n.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range n.children {
		i, child := i, child
		g.Go(func() error {
			set, err := r.eval(gctx, child.Node, envs[i])
			if err != nil {
				return err
			}
			results[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PatientSet{}, err
	}

	sets := make(map[string]PatientSet, len(n.children))
	for i, child := range n.children {
		sets[child.Alias] = results[i]
	}
	out, err := n.expr.Evaluate(sets)
	if err != nil {
		return PatientSet{}, &EvalError{NodeID: n.id, Expr: n.expr.Source(), Err: err}
	}
	return out, nil
}

// bindChild builds a child's env from its bindings. Child parameters without a
// binding take the parent's value of the same name.
func bindChild(parentID string, child Child, env Env) (Env, error) {
	out := make(Env, len(child.Node.Parameters()))
	bound := make(map[string]bool, len(child.Bindings))
	for _, b := range child.Bindings {
		bound[b.Param.Name] = true
		v, err := b.Expr.Eval(env, b.Param.Type)
		if err != nil {
			return nil, &EvalError{NodeID: parentID, Param: child.Alias + "." + b.Param.Name, Expr: b.Expr.String(), Err: err}
		}
		out[b.Param.Name] = v
	}
	for _, p := range child.Node.Parameters() {
		if bound[p.Name] {
			continue
		}
		if v, ok := env[p.Name]; ok && v.typ == p.Type {
			out[p.Name] = v
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Decomposed
// ---------------------------------------------------------------------------

// Decomposed evaluates its target once per sub-interval of the period given
// by its start and end parameters and unions the results.
type Decomposed struct {
	nodeBase
	target     Node
	grain      Granularity
	startParam string
	endParam   string
}

func (n *Decomposed) Kind() Kind                  { return KindDecomposed }
func (n *Decomposed) Dependencies() []Node        { return []Node{n.target} }
func (n *Decomposed) Target() Node                { return n.target }
func (n *Decomposed) Granularity() Granularity    { return n.grain }
func (n *Decomposed) Bounds() (start, end string) { return n.startParam, n.endParam }

func (n *Decomposed) evaluate(ctx context.Context, r *Run, env Env) (PatientSet, error) {
	iv, err := NewInterval(env[n.startParam].Date(), env[n.endParam].Date())
	if err != nil {
		return PatientSet{}, &EvalError{NodeID: n.id, Param: n.startParam, Err: err}
	}
	return r.overSubIntervals(ctx, n.target, env, iv, n.grain, n.startParam, n.endParam)
}

// ---------------------------------------------------------------------------
// Leaf execution
// ---------------------------------------------------------------------------

// leaf runs one external call under the run's leaf concurrency limit and
// records its latency.
func (r *Run) leaf(ctx context.Context, n Node, call func(ctx context.Context) error) error {
	if err := r.leaves.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.leaves.Release(1)

	start := time.Now()
	err := call(ctx)
	elapsed := time.Since(start)

	r.engine.metrics.ObserveLeaf(n.Kind().String(), elapsed, err)
	r.logger.Debug().
		Str("cohort", n.ID()).
		Str("kind", n.Kind().String()).
		Dur("latency", elapsed).
		Err(err).
		Msg("leaf evaluated")
	return err
}
