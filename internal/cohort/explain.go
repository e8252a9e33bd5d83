package cohort

import (
	"fmt"
	"strings"
)

// Explain renders the dependency tree under id: each node with its kind and
// parameters, composites with their canonical expression and child
// bindings. A node reached a second time is printed once and then referred
// to by id.
func (l *Library) Explain(id string) (string, error) {
	root, ok := l.Node(id)
	if !ok {
		return "", &EvalError{NodeID: id, Err: ErrUnknownNode}
	}
	var b strings.Builder
	seen := make(map[string]bool)
	explainNode(&b, root, "", "", seen)
	return b.String(), nil
}

func explainNode(b *strings.Builder, n Node, indent, label string, seen map[string]bool) {
	b.WriteString(indent)
	b.WriteString(label)
	fmt.Fprintf(b, "%s [%s]", n.ID(), n.Kind())
	if seen[n.ID()] {
		b.WriteString(" (see above)\n")
		return
	}
	seen[n.ID()] = true
	if params := n.Parameters(); len(params) > 0 {
		b.WriteString(" (")
		for i, p := range params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.Name)
			b.WriteByte(' ')
			b.WriteString(p.Type.String())
			if !p.Required {
				b.WriteByte('?')
			}
		}
		b.WriteByte(')')
	}
	b.WriteByte('\n')

	next := indent + "    "
	switch n := n.(type) {
	case *SQLLeaf:
		fmt.Fprintf(b, "%ssql: %s\n", next, oneLine(n.tmpl.Source()))
	case *CalculationLeaf:
		fmt.Fprintf(b, "%scalculation: %s\n", next, n.name)
	case *Composite:
		fmt.Fprintf(b, "%s= %s\n", next, n.expr)
		for _, ch := range n.children {
			label := ch.Alias + " -> "
			if len(ch.Bindings) > 0 {
				parts := make([]string, len(ch.Bindings))
				for i, bd := range ch.Bindings {
					parts[i] = bd.Param.Name + "=" + bd.Expr.String()
				}
				label = ch.Alias + " {" + strings.Join(parts, ", ") + "} -> "
			}
			explainNode(b, ch.Node, next, label, seen)
		}
	case *Decomposed:
		fmt.Fprintf(b, "%sby %s over %s..%s\n", next, n.grain, n.startParam, n.endParam)
		explainNode(b, n.target, next, "", seen)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
