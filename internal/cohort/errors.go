package cohort

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Compile-time failures are returned as *ConfigError and
// run-time failures as *EvalError; both unwrap to one of these so callers can
// classify with errors.Is.
var (
	ErrUnknownAlias        = errors.New("unknown alias")
	ErrUnusedChild         = errors.New("child not referenced by composition")
	ErrDuplicateAlias      = errors.New("duplicate alias")
	ErrCycle               = errors.New("cyclic cohort dependency")
	ErrUnresolvedParameter = errors.New("unresolved parameter")
	ErrUnknownParameter    = errors.New("unknown parameter")
	ErrMissingParameter    = errors.New("missing required parameter")
	ErrTypeMismatch        = errors.New("parameter type mismatch")
	ErrInvalidValue        = errors.New("invalid parameter value")
	ErrMalformedExpression = errors.New("malformed expression")
	ErrEmptyExpression     = errors.New("empty composition expression")
	ErrDuplicateNode       = errors.New("duplicate cohort id")
	ErrUnknownNode         = errors.New("unknown cohort")
	ErrUnknownCalculation  = errors.New("unknown calculation")
	ErrInvalidTemplate     = errors.New("invalid sql template")
	ErrInvalidInterval     = errors.New("invalid interval")
	ErrInvalidDefinition   = errors.New("invalid cohort definition")

	// ErrCancelled marks a run aborted through its context. It is a terminal
	// outcome, not a failure: nothing is cached for it.
	ErrCancelled = errors.New("report run cancelled")
)

// ConfigError reports a defect in a cohort definition found while compiling a
// Library. These are never retried.
type ConfigError struct {
	NodeID string
	Param  string
	Expr   string
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	return describe("cohort config", e.NodeID, e.Param, e.Expr, e.Detail, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EvalError reports a failure while evaluating one node of a run. Err is either
// one of the resolution sentinels or the unchanged cause returned by a leaf
// collaborator.
type EvalError struct {
	NodeID string
	Param  string
	Expr   string
	Err    error
}

func (e *EvalError) Error() string {
	return describe("evaluate", e.NodeID, e.Param, e.Expr, "", e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

func configErr(nodeID string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{NodeID: nodeID, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func describe(prefix, nodeID, param, expr, detail string, err error) string {
	var b strings.Builder
	b.WriteString(prefix)
	if nodeID != "" {
		fmt.Fprintf(&b, " %s", nodeID)
	}
	if param != "" {
		fmt.Fprintf(&b, " param %s", param)
	}
	if expr != "" {
		fmt.Fprintf(&b, " expr %q", expr)
	}
	if err != nil {
		fmt.Fprintf(&b, ": %v", err)
	}
	if detail != "" {
		fmt.Fprintf(&b, ": %s", detail)
	}
	return b.String()
}

// blame wraps err with the node it came from unless it already carries
// attribution or is a cancellation.
func blame(nodeID string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EvalError
	if errors.As(err, &ee) || errors.Is(err, ErrCancelled) {
		return err
	}
	return &EvalError{NodeID: nodeID, Err: err}
}
