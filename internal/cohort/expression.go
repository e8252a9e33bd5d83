package cohort

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Parameter expressions
//
// A binding is either a literal ("2024-06-30", "5", "true") or a reference to
// a parameter of the calling node, optionally shifted by calendar offsets:
//
//   ${endDate}            direct lookup
//   ${endDate-6m+1d}      six months back, then one day forward
//
// Offsets apply left to right. A run of adjacent month/year terms is folded
// into one net month shift before it is applied, so ${d+1m-1m} is always d.
// ---------------------------------------------------------------------------

type offset struct {
	n    int  // signed amount
	unit byte // 'd', 'm' or 'y'
}

// ParamExpr is a parsed binding expression. It is immutable and safe to share.
type ParamExpr struct {
	raw     string
	literal string
	ref     string
	offsets []offset
}

// ParseExpression parses a binding. Text without "${" is a literal.
func ParseExpression(s string) (*ParamExpr, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.Contains(trimmed, "${") {
		if strings.Contains(trimmed, "}") && strings.Contains(trimmed, "$") {
			return nil, fmt.Errorf("%w: %q", ErrMalformedExpression, s)
		}
		return &ParamExpr{raw: s, literal: trimmed}, nil
	}
	if !strings.HasPrefix(trimmed, "${") || !strings.HasSuffix(trimmed, "}") ||
		strings.Count(trimmed, "${") != 1 {
		return nil, fmt.Errorf("%w: %q must be a single ${...} reference", ErrMalformedExpression, s)
	}

	body := trimmed[2 : len(trimmed)-1]
	p := &exprScanner{src: body}
	p.skipSpace()
	name := p.ident()
	if name == "" {
		return nil, fmt.Errorf("%w: %q has no parameter name", ErrMalformedExpression, s)
	}
	expr := &ParamExpr{raw: s, ref: name}
	for {
		p.skipSpace()
		if p.done() {
			break
		}
		sign := 1
		switch p.next() {
		case '+':
		case '-':
			sign = -1
		default:
			return nil, fmt.Errorf("%w: %q: expected + or - at position %d", ErrMalformedExpression, s, p.pos)
		}
		p.skipSpace()
		n, ok := p.number()
		if !ok {
			return nil, fmt.Errorf("%w: %q: expected a number at position %d", ErrMalformedExpression, s, p.pos)
		}
		unit := p.next()
		if unit != 'd' && unit != 'm' && unit != 'y' {
			return nil, fmt.Errorf("%w: %q: unit must be d, m or y", ErrMalformedExpression, s)
		}
		expr.offsets = append(expr.offsets, offset{n: sign * n, unit: unit})
	}
	return expr, nil
}

// IsLiteral reports whether the expression is a plain literal.
func (e *ParamExpr) IsLiteral() bool { return e.ref == "" }

// Ref is the referenced parameter name; empty for literals.
func (e *ParamExpr) Ref() string { return e.ref }

// HasOffsets reports whether date offsets are applied to the reference.
func (e *ParamExpr) HasOffsets() bool { return len(e.offsets) > 0 }

func (e *ParamExpr) String() string { return e.raw }

// Eval resolves the expression against env. When want is non-zero the result
// must have that type; literals are parsed as want.
func (e *ParamExpr) Eval(env Env, want ParamType) (Value, error) {
	if e.IsLiteral() {
		if want == 0 {
			return inferValue(e.literal), nil
		}
		return ParseValue(want, e.literal)
	}

	v, ok := env[e.ref]
	if !ok {
		return Value{}, fmt.Errorf("%w: ${%s}", ErrUnresolvedParameter, e.ref)
	}
	if len(e.offsets) > 0 {
		if v.typ != TypeDate {
			return Value{}, fmt.Errorf("%w: offset applied to %s parameter %s", ErrTypeMismatch, v.typ, e.ref)
		}
		v = DateValue(shift(v.date, e.offsets))
	}
	if want != 0 && v.typ != want {
		return Value{}, fmt.Errorf("%w: ${%s} is %s, want %s", ErrTypeMismatch, e.ref, v.typ, want)
	}
	return v, nil
}

// Check validates the expression against the parameter types visible from the
// calling node, without a concrete environment.
func (e *ParamExpr) Check(scope map[string]ParamType, want ParamType) error {
	if e.IsLiteral() {
		if want == 0 {
			return nil
		}
		_, err := ParseValue(want, e.literal)
		return err
	}
	got, ok := scope[e.ref]
	if !ok {
		return fmt.Errorf("%w: ${%s} is not declared by the caller", ErrUnresolvedParameter, e.ref)
	}
	if len(e.offsets) > 0 && got != TypeDate {
		return fmt.Errorf("%w: offset applied to %s parameter %s", ErrTypeMismatch, got, e.ref)
	}
	if want != 0 && got != want {
		return fmt.Errorf("%w: ${%s} is %s, want %s", ErrTypeMismatch, e.ref, got, want)
	}
	return nil
}

// Resolve parses and evaluates expression against env in one step.
func Resolve(expression string, env Env) (Value, error) {
	e, err := ParseExpression(expression)
	if err != nil {
		return Value{}, err
	}
	return e.Eval(env, 0)
}

func shift(d time.Time, offsets []offset) time.Time {
	months := 0
	for _, o := range offsets {
		switch o.unit {
		case 'm':
			months += o.n
		case 'y':
			months += 12 * o.n
		case 'd':
			d = AddMonths(d, months)
			months = 0
			d = d.AddDate(0, 0, o.n)
		}
	}
	return AddMonths(d, months)
}

// AddMonths shifts d by n calendar months. A day past the end of the target
// month clamps to its last day, and a date on the last day of its month stays
// on the last day of the target month (2024-06-30 - 6m = 2023-12-31).
func AddMonths(d time.Time, n int) time.Time {
	if n == 0 {
		return d
	}
	y, m, day := d.Date()
	atMonthEnd := day == daysIn(y, m)

	total := int(m) - 1 + n
	ty := y + total/12
	mi := total % 12
	if mi < 0 {
		mi += 12
		ty--
	}
	tm := time.Month(mi + 1)
	last := daysIn(ty, tm)
	if atMonthEnd || day > last {
		day = last
	}
	return time.Date(ty, tm, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type exprScanner struct {
	src string
	pos int
}

func (s *exprScanner) done() bool { return s.pos >= len(s.src) }

func (s *exprScanner) next() byte {
	if s.done() {
		return 0
	}
	c := s.src[s.pos]
	s.pos++
	return c
}

func (s *exprScanner) skipSpace() {
	for !s.done() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

func (s *exprScanner) ident() string {
	start := s.pos
	for !s.done() {
		c := s.src[s.pos]
		if isIdentChar(c) && !(s.pos == start && c >= '0' && c <= '9') {
			s.pos++
			continue
		}
		break
	}
	return s.src[start:s.pos]
}

func (s *exprScanner) number() (int, bool) {
	start := s.pos
	n := 0
	for !s.done() && s.src[s.pos] >= '0' && s.src[s.pos] <= '9' {
		n = n*10 + int(s.src[s.pos]-'0')
		s.pos++
		if n > 100000 {
			return 0, false
		}
	}
	return n, s.pos > start
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
