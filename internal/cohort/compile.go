package cohort

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Definition is the declarative form of a cohort, as loaded from a library
// file. Which fields apply depends on Kind.
type Definition struct {
	ID          string
	Description string
	Kind        Kind
	Parameters  []Parameter

	// KindSQL
	SQL string
	// KindCalculation
	Calculation string
	// KindComposite
	Children   []ChildDefinition
	Expression string
	// KindDecomposed
	Target      string
	Granularity Granularity
	StartParam  string
	EndParam    string
}

// ChildDefinition references another cohort under an alias. Bindings maps a
// child parameter name to a literal or a ${...} expression over the parent.
type ChildDefinition struct {
	Alias    string
	Cohort   string
	Bindings map[string]string
}

// Collaborators are the leaf evaluators a Library is compiled against.
type Collaborators struct {
	SQL          SQLRunner
	Calculations map[string]Calculator
}

// Library is a compiled, immutable set of cohorts. It is safe to share
// between concurrent runs.
type Library struct {
	nodes map[string]Node
	defs  map[string]Definition
	ids   []string
}

// Node returns the compiled node for id.
func (l *Library) Node(id string) (Node, bool) {
	n, ok := l.nodes[id]
	return n, ok
}

// Definition returns the source definition for id.
func (l *Library) Definition(id string) (Definition, bool) {
	d, ok := l.defs[id]
	return d, ok
}

// IDs returns every cohort id in sorted order.
func (l *Library) IDs() []string {
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func (l *Library) Len() int { return len(l.ids) }

// Compile validates defs and links them into a Library. All configuration
// defects that can be found are reported together, joined with errors.Join;
// each one is a *ConfigError.
func Compile(defs []Definition, collab Collaborators) (*Library, error) {
	c := &compiler{
		defs:   make(map[string]Definition, len(defs)),
		nodes:  make(map[string]Node, len(defs)),
		collab: collab,
	}

	for _, d := range defs {
		if d.ID == "" {
			c.fail(configErr("", ErrInvalidDefinition, "cohort without id"))
			continue
		}
		if !validIdent(d.ID) {
			c.fail(configErr(d.ID, ErrInvalidDefinition, "cohort id %q is not an identifier", d.ID))
			continue
		}
		if _, dup := c.defs[d.ID]; dup {
			c.fail(configErr(d.ID, ErrDuplicateNode, "defined more than once"))
			continue
		}
		c.defs[d.ID] = d
		c.order = append(c.order, d.ID)
		c.checkParameters(d)
	}
	sort.Strings(c.order)
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}

	if err := c.checkGraph(); err != nil {
		return nil, err
	}

	for _, id := range c.topo {
		c.build(c.defs[id])
	}
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}

	return &Library{nodes: c.nodes, defs: c.defs, ids: c.order}, nil
}

type compiler struct {
	defs   map[string]Definition
	nodes  map[string]Node
	order  []string
	topo   []string
	collab Collaborators
	errs   []error
}

func (c *compiler) fail(err *ConfigError) { c.errs = append(c.errs, err) }

func (c *compiler) checkParameters(d Definition) {
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		switch {
		case !validIdent(p.Name):
			c.fail(configErr(d.ID, ErrInvalidDefinition, "parameter name %q is not an identifier", p.Name))
		case seen[p.Name]:
			c.fail(configErr(d.ID, ErrInvalidDefinition, "parameter %s declared twice", p.Name))
		case paramTypeNames[p.Type] == "":
			c.fail(&ConfigError{NodeID: d.ID, Param: p.Name, Err: ErrTypeMismatch, Detail: "no declared type"})
		}
		seen[p.Name] = true
	}
}

// dependencies returns the ids d refers to.
func dependencies(d Definition) []string {
	switch d.Kind {
	case KindComposite:
		out := make([]string, 0, len(d.Children))
		for _, ch := range d.Children {
			out = append(out, ch.Cohort)
		}
		return out
	case KindDecomposed:
		return []string{d.Target}
	}
	return nil
}

// checkGraph rejects references to undefined cohorts and cycles, and records
// a topological order (dependencies first) for build.
func (c *compiler) checkGraph() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(c.defs))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range dependencies(c.defs[id]) {
			if _, ok := c.defs[dep]; !ok {
				return configErr(id, ErrUnknownNode, "references undefined cohort %q", dep)
			}
			switch color[dep] {
			case grey:
				return configErr(id, ErrCycle, "%s", cyclePath(stack, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		c.topo = append(c.topo, id)
		return nil
	}

	for _, id := range c.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(stack []string, back string) string {
	start := 0
	for i, id := range stack {
		if id == back {
			start = i
			break
		}
	}
	path := append(append([]string(nil), stack[start:]...), back)
	return strings.Join(path, " -> ")
}

func (c *compiler) build(d Definition) {
	base := nodeBase{id: d.ID, desc: d.Description, params: append([]Parameter(nil), d.Parameters...)}

	var node Node
	switch d.Kind {
	case KindSQL:
		node = c.buildSQL(d, base)
	case KindCalculation:
		node = c.buildCalculation(d, base)
	case KindComposite:
		node = c.buildComposite(d, base)
	case KindDecomposed:
		node = c.buildDecomposed(d, base)
	default:
		c.fail(configErr(d.ID, ErrInvalidDefinition, "unknown kind %s", d.Kind))
	}
	if node != nil {
		c.nodes[d.ID] = node
	}
}

func (c *compiler) buildSQL(d Definition, base nodeBase) Node {
	if c.collab.SQL == nil {
		c.fail(configErr(d.ID, ErrInvalidDefinition, "sql cohort but no sql runner configured"))
		return nil
	}
	tmpl, err := ParseSQLTemplate(d.SQL)
	if err != nil {
		c.fail(&ConfigError{NodeID: d.ID, Err: err})
		return nil
	}
	scope := base.scope()
	ok := true
	for _, slot := range tmpl.Slots() {
		if _, declared := scope[slot]; !declared {
			c.fail(&ConfigError{NodeID: d.ID, Param: slot, Expr: ":" + slot, Err: ErrUnresolvedParameter,
				Detail: "sql slot is not a declared parameter"})
			ok = false
		}
	}
	if !ok {
		return nil
	}
	return &SQLLeaf{nodeBase: base, tmpl: tmpl, runner: c.collab.SQL}
}

func (c *compiler) buildCalculation(d Definition, base nodeBase) Node {
	calc, ok := c.collab.Calculations[d.Calculation]
	if !ok || calc == nil {
		c.fail(configErr(d.ID, ErrUnknownCalculation, "%q is not registered", d.Calculation))
		return nil
	}
	return &CalculationLeaf{nodeBase: base, name: d.Calculation, calc: calc}
}

func (c *compiler) buildComposite(d Definition, base nodeBase) Node {
	expr, err := ParseComposition(d.Expression)
	if err != nil {
		c.fail(&ConfigError{NodeID: d.ID, Expr: d.Expression, Err: err})
		return nil
	}
	if len(d.Children) == 0 {
		c.fail(configErr(d.ID, ErrInvalidDefinition, "composite without children"))
		return nil
	}

	failures := len(c.errs)
	scope := base.scope()
	own := base.declared()
	children := make([]Child, 0, len(d.Children))
	byAlias := make(map[string]bool, len(d.Children))

	for _, cd := range d.Children {
		if !validIdent(cd.Alias) || isKeyword(cd.Alias) {
			c.fail(configErr(d.ID, ErrInvalidDefinition, "alias %q is not a valid identifier", cd.Alias))
			continue
		}
		if byAlias[cd.Alias] {
			c.fail(configErr(d.ID, ErrDuplicateAlias, "%s", cd.Alias))
			continue
		}
		byAlias[cd.Alias] = true

		target, ok := c.nodes[cd.Cohort]
		if !ok {
			// The child failed to build; its own error is already recorded.
			continue
		}
		child, ok := c.bindChild(d.ID, own, scope, cd, target)
		if ok {
			children = append(children, child)
		}
	}

	used := make(map[string]bool)
	for _, alias := range expr.Aliases() {
		used[alias] = true
		if !byAlias[alias] {
			c.fail(&ConfigError{NodeID: d.ID, Expr: d.Expression, Err: ErrUnknownAlias, Detail: alias})
		}
	}
	for _, cd := range d.Children {
		if byAlias[cd.Alias] && !used[cd.Alias] {
			c.fail(&ConfigError{NodeID: d.ID, Expr: d.Expression, Err: ErrUnusedChild, Detail: cd.Alias})
		}
	}

	if len(c.errs) > failures || len(children) != len(d.Children) {
		return nil
	}
	return &Composite{nodeBase: base, children: children, expr: expr}
}

// bindChild parses a child's bindings and checks that every parameter the
// child requires is supplied, either by a binding or by a same-name parent
// parameter of the same type. A required child parameter may only be fed
// from a required parent parameter.
func (c *compiler) bindChild(parentID string, own map[string]Parameter, scope map[string]ParamType, cd ChildDefinition, target Node) (Child, bool) {
	declared := make(map[string]Parameter)
	for _, p := range target.Parameters() {
		declared[p.Name] = p
	}

	ok := true
	names := make([]string, 0, len(cd.Bindings))
	for name := range cd.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	bindings := make([]Binding, 0, len(names))
	for _, name := range names {
		raw := cd.Bindings[name]
		param := cd.Alias + "." + name
		p, known := declared[name]
		if !known {
			c.fail(&ConfigError{NodeID: parentID, Param: param, Expr: raw, Err: ErrUnknownParameter,
				Detail: fmt.Sprintf("%s does not declare %s", target.ID(), name)})
			ok = false
			continue
		}
		expr, err := ParseExpression(raw)
		if err == nil {
			err = expr.Check(scope, p.Type)
		}
		if err != nil {
			c.fail(&ConfigError{NodeID: parentID, Param: param, Expr: raw, Err: err})
			ok = false
			continue
		}
		if p.Required && !expr.IsLiteral() && !own[expr.Ref()].Required {
			c.fail(&ConfigError{NodeID: parentID, Param: param, Expr: raw, Err: ErrMissingParameter,
				Detail: fmt.Sprintf("%s requires it but %s is optional", target.ID(), expr.Ref())})
			ok = false
			continue
		}
		bindings = append(bindings, Binding{Param: p, Expr: expr})
	}

	for _, p := range target.Parameters() {
		if _, bound := cd.Bindings[p.Name]; bound {
			continue
		}
		got, inScope := scope[p.Name]
		switch {
		case inScope && got != p.Type:
			c.fail(&ConfigError{NodeID: parentID, Param: cd.Alias + "." + p.Name, Err: ErrTypeMismatch,
				Detail: fmt.Sprintf("passed through as %s, %s wants %s", got, target.ID(), p.Type)})
			ok = false
		case !inScope && p.Required:
			c.fail(&ConfigError{NodeID: parentID, Param: cd.Alias + "." + p.Name, Err: ErrMissingParameter,
				Detail: fmt.Sprintf("%s requires it and neither a binding nor the caller supplies it", target.ID())})
			ok = false
		case p.Required && !own[p.Name].Required:
			c.fail(&ConfigError{NodeID: parentID, Param: cd.Alias + "." + p.Name, Err: ErrMissingParameter,
				Detail: fmt.Sprintf("%s requires it but the caller declares it optional", target.ID())})
			ok = false
		}
	}

	return Child{Alias: cd.Alias, Node: target, Bindings: bindings}, ok
}

func (c *compiler) buildDecomposed(d Definition, base nodeBase) Node {
	target, ok := c.nodes[d.Target]
	if !ok {
		return nil
	}
	if granularityNames[d.Granularity] == "" {
		c.fail(configErr(d.ID, ErrInvalidInterval, "granularity is required"))
		return nil
	}
	startParam, endParam := d.StartParam, d.EndParam
	if startParam == "" {
		startParam = DefaultStartParam
	}
	if endParam == "" {
		endParam = DefaultEndParam
	}
	if startParam == endParam {
		c.fail(configErr(d.ID, ErrInvalidInterval, "start and end parameter are both %s", startParam))
		return nil
	}

	failures := len(c.errs)
	own := make(map[string]Parameter, len(base.params))
	for _, p := range base.params {
		own[p.Name] = p
	}
	for _, name := range []string{startParam, endParam} {
		if p, ok := own[name]; !ok || p.Type != TypeDate || !p.Required {
			c.fail(&ConfigError{NodeID: d.ID, Param: name, Err: ErrInvalidInterval, Detail: "must be a required date parameter"})
		}
	}

	substituted := map[string]bool{startParam: true, endParam: true}
	for _, p := range target.Parameters() {
		if substituted[p.Name] {
			if p.Type != TypeDate {
				c.fail(&ConfigError{NodeID: d.ID, Param: p.Name, Err: ErrTypeMismatch,
					Detail: fmt.Sprintf("%s declares it as %s", target.ID(), p.Type)})
			}
			continue
		}
		mine, has := own[p.Name]
		switch {
		case has && mine.Type != p.Type:
			c.fail(&ConfigError{NodeID: d.ID, Param: p.Name, Err: ErrTypeMismatch,
				Detail: fmt.Sprintf("%s wants %s", target.ID(), p.Type)})
		case p.Required && !mine.Required:
			c.fail(&ConfigError{NodeID: d.ID, Param: p.Name, Err: ErrMissingParameter,
				Detail: fmt.Sprintf("required by %s", target.ID())})
		}
	}
	tp := make(map[string]bool)
	for _, p := range target.Parameters() {
		tp[p.Name] = true
	}
	if !tp[startParam] || !tp[endParam] {
		c.fail(configErr(d.ID, ErrInvalidInterval, "%s does not declare %s and %s", target.ID(), startParam, endParam))
	}
	if len(c.errs) > failures {
		return nil
	}

	return &Decomposed{nodeBase: base, target: target, grain: d.Granularity, startParam: startParam, endParam: endParam}
}

func validIdent(s string) bool {
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

func isKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "AND", "OR", "NOT":
		return true
	}
	return false
}
