package logic

import (
	"github.com/shopspring/decimal"
)

// maxConjunctions bounds the disjunctive normal form expansion. Larger trees
// are reported satisfiable without analysis.
const maxConjunctions = 256

// literal is a possibly negated comparison in normal form
type literal struct {
	cmp Comparison
	neg bool
}

// Satisfiable reports whether some case makes e true.
//
// The tree is expanded into disjunctive normal form and every conjunction is
// checked field by field: numeric bounds must leave a non-empty interval,
// equality and membership sets must intersect, and exclusions must not remove
// every remaining candidate. Containment constraints are assumed satisfiable.
func Satisfiable(e Expr) bool {
	conjs, ok := expand(e, false)
	if !ok {
		return true
	}
	for _, c := range conjs {
		if consistent(c) {
			return true
		}
	}
	return false
}

// expand returns the DNF of e (negated when neg is set). The boolean result is
// false when the expansion exceeds maxConjunctions.
func expand(e Expr, neg bool) ([][]literal, bool) {
	switch n := e.(type) {
	case Literal:
		if n.Value != neg {
			return [][]literal{{}}, true
		}
		return nil, true
	case Comparison:
		return [][]literal{{{cmp: n, neg: neg}}}, true
	case Not:
		return expand(n.Child, !neg)
	case And:
		if neg {
			return union(n.Children, true)
		}
		return product(n.Children, false)
	case Or:
		if neg {
			return product(n.Children, true)
		}
		return union(n.Children, false)
	}
	return [][]literal{{}}, true
}

func union(children []Expr, neg bool) ([][]literal, bool) {
	var out [][]literal
	for _, c := range children {
		part, ok := expand(c, neg)
		if !ok {
			return nil, false
		}
		out = append(out, part...)
		if len(out) > maxConjunctions {
			return nil, false
		}
	}
	return out, true
}

func product(children []Expr, neg bool) ([][]literal, bool) {
	out := [][]literal{{}}
	for _, c := range children {
		part, ok := expand(c, neg)
		if !ok {
			return nil, false
		}
		next := make([][]literal, 0, len(out)*len(part))
		for _, left := range out {
			for _, right := range part {
				merged := make([]literal, 0, len(left)+len(right))
				merged = append(merged, left...)
				merged = append(merged, right...)
				next = append(next, merged)
			}
		}
		if len(next) > maxConjunctions {
			return nil, false
		}
		out = next
	}
	return out, true
}

// consistent checks a single conjunction
func consistent(lits []literal) bool {
	byField := make(map[string][]literal)
	var order []string
	for _, l := range lits {
		if _, ok := byField[l.cmp.Field]; !ok {
			order = append(order, l.cmp.Field)
		}
		byField[l.cmp.Field] = append(byField[l.cmp.Field], l)
	}
	for _, f := range order {
		if !fieldConsistent(byField[f]) {
			return false
		}
	}
	return true
}

// requiredKind returns the kind a positive comparison forces on the field; the
// empty kind means the comparison does not pin a type
func requiredKind(c Comparison) (ValueKind, bool) {
	switch c.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return KindNumber, true
	case OpEQ, OpNE:
		return c.Value.kind, true
	}
	return "", false
}

var negatedOp = map[Operator]Operator{
	OpGT:    OpLTE,
	OpGTE:   OpLT,
	OpLT:    OpGTE,
	OpLTE:   OpGT,
	OpEQ:    OpNE,
	OpNE:    OpEQ,
	OpIn:    OpNotIn,
	OpNotIn: OpIn,
}

func fieldConsistent(lits []literal) bool {
	var kind ValueKind
	for _, l := range lits {
		if l.neg {
			continue
		}
		k, ok := requiredKind(l.cmp)
		if !ok {
			continue
		}
		if kind != "" && kind != k {
			return false
		}
		kind = k
	}

	hasPositiveIn := false
	for _, l := range lits {
		if !l.neg && l.cmp.Op == OpIn {
			hasPositiveIn = true
		}
	}
	if kind == "" && !hasPositiveIn {
		// Only exclusions, containment or negations: a fresh value or an
		// absent field satisfies them.
		return true
	}

	var positive []Comparison
	for _, l := range lits {
		if !l.neg {
			positive = append(positive, l.cmp)
		}
	}
	if candidates, finite := candidateSet(positive, kind); finite {
		return anyCandidate(candidates, lits)
	}

	// Rewrite negations as positive comparisons on the pinned kind. A negated
	// comparison against a different kind always holds and is dropped.
	cmps := positive
	for _, l := range lits {
		if !l.neg {
			continue
		}
		op, ok := negatedOp[l.cmp.Op]
		if !ok || !compatible(l.cmp, kind) {
			continue
		}
		cmps = append(cmps, Comparison{Field: l.cmp.Field, Op: op, Value: l.cmp.Value})
	}
	if candidates, finite := candidateSet(cmps, kind); finite {
		return anyCandidate(candidates, lits)
	}

	switch kind {
	case KindNumber:
		return intervalNonEmpty(cmps)
	case KindBool:
		return anyCandidate([]Value{Bool(false), Bool(true)}, lits)
	}
	return true
}

// anyCandidate reports whether some candidate satisfies every literal
func anyCandidate(candidates []Value, lits []literal) bool {
	for _, v := range candidates {
		ok := true
		for _, l := range lits {
			if l.cmp.Eval(Case{l.cmp.Field: v}) == l.neg {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func compatible(c Comparison, kind ValueKind) bool {
	switch c.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return kind == KindNumber && c.Value.kind == KindNumber
	case OpIn, OpNotIn:
		return c.Value.kind == KindList
	case OpEQ, OpNE:
		return c.Value.kind == kind
	}
	return false
}

// candidateSet intersects every eq and in constraint; finite is false when
// no such constraint exists
func candidateSet(cmps []Comparison, kind ValueKind) ([]Value, bool) {
	var set []Value
	finite := false
	for _, c := range cmps {
		var vals []Value
		switch c.Op {
		case OpEQ:
			vals = []Value{c.Value}
		case OpIn:
			if c.Value.kind != KindList {
				return nil, true
			}
			vals = c.Value.items
		default:
			continue
		}
		if kind != "" {
			vals = filterKind(vals, kind)
		}
		if !finite {
			set = vals
			finite = true
			continue
		}
		set = intersect(set, vals)
	}
	return set, finite
}

func filterKind(vals []Value, kind ValueKind) []Value {
	out := make([]Value, 0, len(vals))
	for _, v := range vals {
		if v.kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func intersect(a, b []Value) []Value {
	var out []Value
	for _, x := range a {
		if member(x, b) {
			out = append(out, x)
		}
	}
	return out
}

func satisfiesAll(v Value, cmps []Comparison) bool {
	for _, c := range cmps {
		if !c.Eval(Case{c.Field: v}) {
			return false
		}
	}
	return true
}

// intervalNonEmpty checks numeric bounds against point exclusions
func intervalNonEmpty(cmps []Comparison) bool {
	var (
		lo, hi       decimal.Decimal
		hasLo, hasHi bool
		loIncl       = true
		hiIncl       = true
	)
	for _, c := range cmps {
		if c.Value.kind != KindNumber {
			continue
		}
		v := c.Value.num
		switch c.Op {
		case OpGT, OpGTE:
			incl := c.Op == OpGTE
			if !hasLo || v.GreaterThan(lo) || (v.Equal(lo) && !incl) {
				lo, loIncl, hasLo = v, incl, true
			}
		case OpLT, OpLTE:
			incl := c.Op == OpLTE
			if !hasHi || v.LessThan(hi) || (v.Equal(hi) && !incl) {
				hi, hiIncl, hasHi = v, incl, true
			}
		}
	}
	if !hasLo || !hasHi {
		return true
	}
	switch lo.Cmp(hi) {
	case 1:
		return false
	case 0:
		if !loIncl || !hiIncl {
			return false
		}
		// Single point: it must survive every exclusion.
		return satisfiesAll(Number(lo), cmps)
	}
	return true
}
