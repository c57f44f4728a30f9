package logic

import (
	"sort"
	"strings"
)

// NodeKind identifies an expression node
type NodeKind string

const (
	NodeLiteral    NodeKind = "literal"
	NodeComparison NodeKind = "comparison"
	NodeAnd        NodeKind = "and"
	NodeOr         NodeKind = "or"
	NodeNot        NodeKind = "not"
)

// Operator is a comparison operator
type Operator string

const (
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpEQ       Operator = "eq"
	OpNE       Operator = "ne"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
)

// Valid reports whether the operator is known
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE, OpIn, OpNotIn, OpContains:
		return true
	}
	return false
}

// Symbol returns the infix form used by Format
func (o Operator) Symbol() string {
	switch o {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	case OpNE:
		return "!="
	case OpIn:
		return "in"
	case OpNotIn:
		return "not in"
	case OpContains:
		return "contains"
	}
	return string(o)
}

// Family groups operators by the kind of constraint they express
type Family string

const (
	FamilyLowerBound Family = "lower_bound"
	FamilyUpperBound Family = "upper_bound"
	FamilyEquality   Family = "equality"
	FamilyExclusion  Family = "exclusion"
	FamilyMembership Family = "membership"
	FamilyContains   Family = "containment"
)

// Family returns the operator family
func (o Operator) Family() Family {
	switch o {
	case OpGT, OpGTE:
		return FamilyLowerBound
	case OpLT, OpLTE:
		return FamilyUpperBound
	case OpEQ:
		return FamilyEquality
	case OpNE, OpNotIn:
		return FamilyExclusion
	case OpIn:
		return FamilyMembership
	}
	return FamilyContains
}

// Expr is a node of the condition tree. Implementations are immutable.
type Expr interface {
	Kind() NodeKind
	// Eval evaluates the expression against case facts
	Eval(c Case) bool
}

// Literal is a constant truth value
type Literal struct {
	Value bool
}

// Comparison tests a case field against a typed value
type Comparison struct {
	Field string
	Op    Operator
	Value Value
}

// And is true when every child is true
type And struct {
	Children []Expr
}

// Or is true when any child is true
type Or struct {
	Children []Expr
}

// Not negates its child
type Not struct {
	Child Expr
}

func (Literal) Kind() NodeKind    { return NodeLiteral }
func (Comparison) Kind() NodeKind { return NodeComparison }
func (And) Kind() NodeKind        { return NodeAnd }
func (Or) Kind() NodeKind         { return NodeOr }
func (Not) Kind() NodeKind        { return NodeNot }

// True and False literals
var (
	True  Expr = Literal{Value: true}
	False Expr = Literal{Value: false}
)

// Compare builds a comparison node
func Compare(field string, op Operator, v Value) Expr {
	return Comparison{Field: field, Op: op, Value: v}
}

// NewAnd builds a normalized conjunction: nested conjunctions are flattened,
// true literals dropped, duplicates removed and children sorted by canonical form.
// A false child collapses the whole conjunction to False.
func NewAnd(children ...Expr) Expr {
	flat := make([]Expr, 0, len(children))
	var walk func(es []Expr) bool
	walk = func(es []Expr) bool {
		for _, e := range es {
			switch n := e.(type) {
			case nil:
				continue
			case And:
				if !walk(n.Children) {
					return false
				}
			case Literal:
				if !n.Value {
					return false
				}
			default:
				flat = append(flat, e)
			}
		}
		return true
	}
	if !walk(children) {
		return False
	}

	flat = dedupSorted(flat)
	switch len(flat) {
	case 0:
		return True
	case 1:
		return flat[0]
	}
	return And{Children: flat}
}

// NewOr builds a normalized disjunction, the dual of NewAnd
func NewOr(children ...Expr) Expr {
	flat := make([]Expr, 0, len(children))
	var walk func(es []Expr) bool
	walk = func(es []Expr) bool {
		for _, e := range es {
			switch n := e.(type) {
			case nil:
				continue
			case Or:
				if !walk(n.Children) {
					return false
				}
			case Literal:
				if n.Value {
					return false
				}
			default:
				flat = append(flat, e)
			}
		}
		return true
	}
	if !walk(children) {
		return True
	}

	flat = dedupSorted(flat)
	switch len(flat) {
	case 0:
		return False
	case 1:
		return flat[0]
	}
	return Or{Children: flat}
}

// NewNot negates e, removing double negation and folding literals
func NewNot(e Expr) Expr {
	switch n := e.(type) {
	case Not:
		return n.Child
	case Literal:
		return Literal{Value: !n.Value}
	}
	return Not{Child: e}
}

func dedupSorted(es []Expr) []Expr {
	type keyed struct {
		key  string
		expr Expr
	}
	seen := make(map[string]struct{}, len(es))
	ks := make([]keyed, 0, len(es))
	for _, e := range es {
		k := CanonicalString(e)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ks = append(ks, keyed{key: k, expr: e})
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	out := make([]Expr, len(ks))
	for i, k := range ks {
		out[i] = k.expr
	}
	return out
}

// Clauses returns the top-level conjuncts of e
func Clauses(e Expr) []Expr {
	switch n := e.(type) {
	case And:
		return append([]Expr(nil), n.Children...)
	case Literal:
		if n.Value {
			return nil
		}
	}
	return []Expr{e}
}

// Comparisons returns every comparison in e in depth-first order
func Comparisons(e Expr) []Comparison {
	var out []Comparison
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Comparison:
			out = append(out, n)
		case And:
			for _, c := range n.Children {
				walk(c)
			}
		case Or:
			for _, c := range n.Children {
				walk(c)
			}
		case Not:
			walk(n.Child)
		}
	}
	walk(e)
	return out
}

// Fields returns the sorted distinct case fields referenced by e
func Fields(e Expr) []string {
	set := make(map[string]struct{})
	for _, c := range Comparisons(e) {
		set[c.Field] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Format renders e in infix notation
func Format(e Expr) string {
	switch n := e.(type) {
	case nil:
		return "<nil>"
	case Literal:
		if n.Value {
			return "TRUE"
		}
		return "FALSE"
	case Comparison:
		return n.Field + " " + n.Op.Symbol() + " " + n.Value.String()
	case And:
		return joinFormatted(n.Children, " AND ")
	case Or:
		return joinFormatted(n.Children, " OR ")
	case Not:
		return "NOT " + Format(n.Child)
	}
	return "<unknown>"
}

func joinFormatted(es []Expr, sep string) string {
	parts := make([]string, len(es))
	for i, c := range es {
		s := Format(c)
		if c.Kind() == NodeAnd || c.Kind() == NodeOr {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, sep)
}
