package cohort

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Composition expressions
//
// A composite cohort is a boolean expression over the aliases of its
// children:
//
//   STARTED_ART AND NOT (TRANSFERRED_IN OR DIED)
//
// AND is intersection, OR is union. NOT X is the complement of X within the
// union of every alias referenced by the same expression; there is no global
// patient universe. Keywords are case-insensitive, aliases are not.
// ---------------------------------------------------------------------------

type compKind int

const (
	compAlias compKind = iota // Leaf: a child alias
	compAnd                   // Operands intersected
	compOr                    // Operands unioned
	compNot                   // Complement of Child
)

type compNode struct {
	kind     compKind
	alias    string
	operands []*compNode // For And/Or
	child    *compNode   // For Not
}

// Composition is a parsed composition expression. It is immutable.
type Composition struct {
	source  string
	root    *compNode
	aliases []string
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type compTokenType int

const (
	tokAlias compTokenType = iota
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type compToken struct {
	typ compTokenType
	val string
	pos int
}

// tokenizeComposition splits a composition string into lexical tokens.
func tokenizeComposition(src string) ([]compToken, error) {
	var tokens []compToken
	i, n := 0, len(src)

	for i < n {
		ch := src[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		if ch == '(' {
			tokens = append(tokens, compToken{typ: tokLParen, val: "(", pos: i})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, compToken{typ: tokRParen, val: ")", pos: i})
			i++
			continue
		}
		if !isIdentChar(ch) {
			return nil, fmt.Errorf("%w: unexpected character %q at position %d", ErrMalformedExpression, ch, i)
		}

		j := i
		for j < n && isIdentChar(src[j]) {
			j++
		}
		word := src[i:j]

		switch strings.ToUpper(word) {
		case "AND":
			tokens = append(tokens, compToken{typ: tokAnd, val: word, pos: i})
		case "OR":
			tokens = append(tokens, compToken{typ: tokOr, val: word, pos: i})
		case "NOT":
			tokens = append(tokens, compToken{typ: tokNot, val: word, pos: i})
		default:
			tokens = append(tokens, compToken{typ: tokAlias, val: word, pos: i})
		}
		i = j
	}

	return tokens, nil
}

// ---------------------------------------------------------------------------
// Recursive descent parser
//
//   expr   -> term ("OR" term)*
//   term   -> factor ("AND" factor)*
//   factor -> "NOT" factor | "(" expr ")" | ALIAS
// ---------------------------------------------------------------------------

type compParser struct {
	tokens []compToken
	pos    int
}

func (p *compParser) peek() *compToken {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *compParser) advance() compToken {
	tok := p.tokens[p.pos]
	p.pos++
	return tok
}

func (p *compParser) parseExpr() (*compNode, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	operands := []*compNode{first}
	for tok := p.peek(); tok != nil && tok.typ == tokOr; tok = p.peek() {
		p.advance()
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return &compNode{kind: compOr, operands: operands}, nil
}

func (p *compParser) parseTerm() (*compNode, error) {
	first, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	operands := []*compNode{first}
	for tok := p.peek(); tok != nil && tok.typ == tokAnd; tok = p.peek() {
		p.advance()
		next, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return &compNode{kind: compAnd, operands: operands}, nil
}

func (p *compParser) parseFactor() (*compNode, error) {
	tok := p.peek()
	if tok == nil {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrMalformedExpression)
	}

	switch tok.typ {
	case tokNot:
		p.advance()
		child, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &compNode{kind: compNot, child: child}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing == nil || closing.typ != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis for position %d", ErrMalformedExpression, tok.pos)
		}
		p.advance()
		return inner, nil
	case tokAlias:
		p.advance()
		return &compNode{kind: compAlias, alias: tok.val}, nil
	}
	return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrMalformedExpression, tok.val, tok.pos)
}

// ParseComposition parses a composition expression.
func ParseComposition(src string) (*Composition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, ErrEmptyExpression
	}
	tokens, err := tokenizeComposition(src)
	if err != nil {
		return nil, err
	}
	p := &compParser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok != nil {
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrMalformedExpression, tok.val, tok.pos)
	}

	seen := map[string]bool{}
	var aliases []string
	collectAliases(root, seen, &aliases)
	sort.Strings(aliases)

	return &Composition{source: src, root: root, aliases: aliases}, nil
}

func collectAliases(n *compNode, seen map[string]bool, out *[]string) {
	switch n.kind {
	case compAlias:
		if !seen[n.alias] {
			seen[n.alias] = true
			*out = append(*out, n.alias)
		}
	case compNot:
		collectAliases(n.child, seen, out)
	default:
		for _, op := range n.operands {
			collectAliases(op, seen, out)
		}
	}
}

// Aliases returns every alias referenced, sorted and without duplicates.
func (c *Composition) Aliases() []string {
	out := make([]string, len(c.aliases))
	copy(out, c.aliases)
	return out
}

// Source is the expression as authored.
func (c *Composition) Source() string { return c.source }

// Evaluate folds the expression over the given alias sets. Every referenced
// alias must be present; a missing one is a dependency bug and is reported as
// ErrUnknownAlias rather than treated as empty.
func (c *Composition) Evaluate(sets map[string]PatientSet) (PatientSet, error) {
	operands := make([]PatientSet, 0, len(c.aliases))
	for _, alias := range c.aliases {
		s, ok := sets[alias]
		if !ok {
			return PatientSet{}, fmt.Errorf("%w: %s", ErrUnknownAlias, alias)
		}
		operands = append(operands, s)
	}
	universe := UnionAll(operands...)
	return c.root.eval(sets, universe), nil
}

func (n *compNode) eval(sets map[string]PatientSet, universe PatientSet) PatientSet {
	switch n.kind {
	case compAlias:
		return sets[n.alias]
	case compNot:
		return universe.Difference(n.child.eval(sets, universe))
	case compAnd:
		acc := n.operands[0].eval(sets, universe)
		for _, op := range n.operands[1:] {
			if acc.Len() == 0 {
				break
			}
			acc = acc.Intersect(op.eval(sets, universe))
		}
		return acc
	default:
		parts := make([]PatientSet, len(n.operands))
		for i, op := range n.operands {
			parts[i] = op.eval(sets, universe)
		}
		return UnionAll(parts...)
	}
}

// String renders the canonical form: upper-case keywords, parentheses only
// where precedence requires them.
func (c *Composition) String() string {
	var b strings.Builder
	c.root.write(&b, compOr)
	return b.String()
}

func precedence(k compKind) int {
	switch k {
	case compOr:
		return 1
	case compAnd:
		return 2
	}
	return 3
}

func (n *compNode) write(b *strings.Builder, parent compKind) {
	switch n.kind {
	case compAlias:
		b.WriteString(n.alias)
	case compNot:
		b.WriteString("NOT ")
		n.child.write(b, compNot)
	default:
		wrap := precedence(n.kind) < precedence(parent)
		if wrap {
			b.WriteByte('(')
		}
		sep := " OR "
		if n.kind == compAnd {
			sep = " AND "
		}
		for i, op := range n.operands {
			if i > 0 {
				b.WriteString(sep)
			}
			op.write(b, n.kind)
		}
		if wrap {
			b.WriteByte(')')
		}
	}
}
