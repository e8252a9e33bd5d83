package cohort

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format for date parameters.
const DateLayout = "2006-01-02"

// ParamType is the declared type of a cohort parameter.
type ParamType int

const (
	TypeDate ParamType = iota + 1
	TypeLocation
	TypeInteger
	TypeBoolean
	TypeConcept
)

var paramTypeNames = map[ParamType]string{
	TypeDate:     "date",
	TypeLocation: "location",
	TypeInteger:  "integer",
	TypeBoolean:  "boolean",
	TypeConcept:  "concept",
}

func (t ParamType) String() string {
	if name, ok := paramTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

func (t ParamType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ParamType) UnmarshalText(b []byte) error {
	parsed, err := ParseParamType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseParamType maps a type name ("date", "location", ...) to a ParamType.
func ParseParamType(s string) (ParamType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for t, name := range paramTypeNames {
		if name == key {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter type %q", s)
}

// Parameter is declared once per node and never changes after compilation.
type Parameter struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
}

// Value is a concrete, fully resolved parameter value.
type Value struct {
	typ  ParamType
	date time.Time
	num  int64
	flag bool
	text string
}

// DateValue returns a date value; the time-of-day and zone are discarded.
func DateValue(t time.Time) Value {
	y, m, d := t.Date()
	return Value{typ: TypeDate, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// LocationValue returns a location reference by id.
func LocationValue(id int64) Value { return Value{typ: TypeLocation, num: id} }

// IntValue returns an integer value.
func IntValue(n int64) Value { return Value{typ: TypeInteger, num: n} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{typ: TypeBoolean, flag: b} }

// ConceptValue returns a concept reference (code or uuid).
func ConceptValue(ref string) Value { return Value{typ: TypeConcept, text: ref} }

// ParseValue parses raw text as a value of type t.
func ParseValue(t ParamType, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case TypeDate:
		d, err := time.Parse(DateLayout, raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a date (want %s)", ErrInvalidValue, raw, DateLayout)
		}
		return DateValue(d), nil
	case TypeLocation, TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw)
		}
		if t == TypeLocation {
			return LocationValue(n), nil
		}
		return IntValue(n), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw)
		}
		return BoolValue(b), nil
	case TypeConcept:
		if raw == "" {
			return Value{}, fmt.Errorf("%w: empty concept reference", ErrInvalidValue)
		}
		return ConceptValue(raw), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported type %s", ErrInvalidValue, t)
}

// inferValue guesses the type of an untyped literal: date, then integer, then
// boolean, falling back to a concept reference.
func inferValue(raw string) Value {
	for _, t := range []ParamType{TypeDate, TypeInteger, TypeBoolean} {
		if v, err := ParseValue(t, raw); err == nil {
			return v
		}
	}
	return ConceptValue(strings.TrimSpace(raw))
}

func (v Value) Type() ParamType { return v.typ }
func (v Value) IsZero() bool    { return v.typ == 0 }
func (v Value) Date() time.Time { return v.date }
func (v Value) Int() int64      { return v.num }
func (v Value) Bool() bool      { return v.flag }

// String renders the value in its parseable text form.
func (v Value) String() string {
	switch v.typ {
	case TypeDate:
		return v.date.Format(DateLayout)
	case TypeLocation, TypeInteger:
		return strconv.FormatInt(v.num, 10)
	case TypeBoolean:
		return strconv.FormatBool(v.flag)
	case TypeConcept:
		return v.text
	}
	return ""
}

// SQLArg is the driver argument bound to a :name slot.
func (v Value) SQLArg() any {
	switch v.typ {
	case TypeDate:
		return v.date
	case TypeLocation, TypeInteger:
		return v.num
	case TypeBoolean:
		return v.flag
	}
	return v.text
}

func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.String() == o.String()
}

// Env is the resolved parameter environment of one node invocation.
type Env map[string]Value

// Canonical serializes the environment deterministically. Dates are rendered
// as calendar dates, so two differently written expressions that land on the
// same day produce the same string.
func (e Env) Canonical() string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		v := e[name]
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(v.typ.String())
		b.WriteByte(':')
		b.WriteString(v.String())
	}
	return b.String()
}

// Strings returns the environment as name -> text, for logs and storage.
func (e Env) Strings() map[string]string {
	out := make(map[string]string, len(e))
	for name, v := range e {
		out[name] = v.String()
	}
	return out
}

func (e Env) clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// ParseEnv parses raw request values against declared parameters. Unknown
// names are rejected so that typos do not silently fall back to defaults.
func ParseEnv(params []Parameter, raw map[string]string) (Env, error) {
	declared := make(map[string]Parameter, len(params))
	for _, p := range params {
		declared[p.Name] = p
	}
	env := make(Env, len(raw))
	for name, text := range raw {
		p, ok := declared[name]
		if !ok {
			return nil, &EvalError{Param: name, Err: ErrUnknownParameter}
		}
		v, err := ParseValue(p.Type, text)
		if err != nil {
			return nil, &EvalError{Param: name, Err: err}
		}
		env[name] = v
	}
	return env, nil
}

// restrict checks env against the declared parameters and drops everything a
// node does not declare, so cache keys only depend on what the node reads.
func restrict(nodeID string, params []Parameter, env Env) (Env, error) {
	out := make(Env, len(params))
	for _, p := range params {
		v, ok := env[p.Name]
		if !ok {
			if p.Required {
				return nil, &EvalError{NodeID: nodeID, Param: p.Name, Err: ErrMissingParameter}
			}
			continue
		}
		if v.typ != p.Type {
			return nil, &EvalError{NodeID: nodeID, Param: p.Name,
				Err: fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, p.Type, v.typ)}
		}
		out[p.Name] = v
	}
	return out, nil
}
