package cohort

import (
	"fmt"
	"strings"
)

// SQLTemplate is leaf SQL with named :name slots rewritten to positional
// driver placeholders ($1, $2, ...). A slot used twice binds once.
//
// The ${...} composition syntax is rejected inside SQL so the two binding
// notations cannot be confused. Quoted literals, quoted identifiers, comments
// and ::type casts are copied through untouched.
type SQLTemplate struct {
	source string
	text   string
	slots  []string
}

// ParseSQLTemplate scans src and records its slots.
func ParseSQLTemplate(src string) (*SQLTemplate, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty sql", ErrInvalidTemplate)
	}

	var out strings.Builder
	index := map[string]int{}
	var slots []string
	i, n := 0, len(src)

	copyUntil := func(end int) {
		out.WriteString(src[i:end])
		i = end
	}

	for i < n {
		ch := src[i]
		switch {
		case ch == '\'' || ch == '"':
			end, ok := closingQuote(src, i, ch)
			if !ok {
				return nil, fmt.Errorf("%w: unterminated quote at position %d", ErrInvalidTemplate, i)
			}
			copyUntil(end)
		case ch == '-' && i+1 < n && src[i+1] == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				copyUntil(n)
			} else {
				copyUntil(i + end)
			}
		case ch == '/' && i+1 < n && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated comment at position %d", ErrInvalidTemplate, i)
			}
			copyUntil(i + 2 + end + 2)
		case ch == '$' && i+1 < n && src[i+1] == '{':
			return nil, fmt.Errorf("%w: composition syntax ${...} at position %d; use :name slots in sql", ErrInvalidTemplate, i)
		case ch == '$' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9':
			return nil, fmt.Errorf("%w: positional placeholder at position %d; use :name slots", ErrInvalidTemplate, i)
		case ch == ':' && i+1 < n && src[i+1] == ':':
			copyUntil(i + 2)
		case ch == ':' && i+1 < n && isSlotStart(src[i+1]):
			j := i + 1
			for j < n && isIdentChar(src[j]) {
				j++
			}
			name := src[i+1 : j]
			pos, ok := index[name]
			if !ok {
				slots = append(slots, name)
				pos = len(slots)
				index[name] = pos
			}
			fmt.Fprintf(&out, "$%d", pos)
			i = j
		default:
			out.WriteByte(ch)
			i++
		}
	}

	return &SQLTemplate{source: src, text: out.String(), slots: slots}, nil
}

// closingQuote returns the index just past the quote that closes the one at
// start. A doubled quote is an escape.
func closingQuote(src string, start int, q byte) (int, bool) {
	for j := start + 1; j < len(src); j++ {
		if src[j] != q {
			continue
		}
		if j+1 < len(src) && src[j+1] == q {
			j++
			continue
		}
		return j + 1, true
	}
	return 0, false
}

func isSlotStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Text is the SQL with positional placeholders.
func (t *SQLTemplate) Text() string { return t.text }

// Source is the SQL as authored.
func (t *SQLTemplate) Source() string { return t.source }

// Slots returns slot names in placeholder order.
func (t *SQLTemplate) Slots() []string {
	out := make([]string, len(t.slots))
	copy(out, t.slots)
	return out
}

// Bind returns driver arguments for env in placeholder order. A declared but
// optional parameter that is absent binds as NULL.
func (t *SQLTemplate) Bind(env Env, params []Parameter) ([]any, error) {
	optional := make(map[string]bool, len(params))
	for _, p := range params {
		optional[p.Name] = !p.Required
	}
	args := make([]any, len(t.slots))
	for i, name := range t.slots {
		v, ok := env[name]
		if !ok {
			if optional[name] {
				continue
			}
			return nil, &EvalError{Param: name, Expr: ":" + name, Err: ErrUnresolvedParameter}
		}
		args[i] = v.SQLArg()
	}
	return args, nil
}
