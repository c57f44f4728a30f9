package logic

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSatisfiable(t *testing.T) {
	amount := func(op Operator, n int64) Expr { return Compare("amount", op, Int(n)) }
	segment := func(op Operator, v Value) Expr { return Compare("segment", op, v) }

	tests := []struct {
		name string
		expr Expr
		want bool
	}{
		{"single bound", amount(OpGT, 10000), true},
		{"overlapping bounds", NewAnd(amount(OpGT, 10000), amount(OpLT, 20000)), true},
		{"disjoint bounds", NewAnd(amount(OpGT, 10000), amount(OpLT, 5000)), false},
		{"touching exclusive", NewAnd(amount(OpGT, 100), amount(OpLTE, 100)), false},
		{"touching inclusive", NewAnd(amount(OpGTE, 100), amount(OpLTE, 100)), true},
		{"point excluded", NewAnd(amount(OpGTE, 100), amount(OpLTE, 100), amount(OpNE, 100)), false},
		{"eq outside bounds", NewAnd(amount(OpEQ, 50), amount(OpGT, 100)), false},
		{"eq conflict", NewAnd(segment(OpEQ, String("retail")), segment(OpEQ, String("corporate"))), false},
		{"eq excluded", NewAnd(segment(OpEQ, String("retail")), segment(OpNotIn, List(String("retail")))), false},
		{"in intersect", NewAnd(
			segment(OpIn, List(String("retail"), String("sme"))),
			segment(OpIn, List(String("sme"), String("corporate"))),
		), true},
		{"in disjoint", NewAnd(
			segment(OpIn, List(String("retail"))),
			segment(OpIn, List(String("corporate"))),
		), false},
		{"kind conflict", NewAnd(amount(OpGT, 1), Compare("amount", OpEQ, String("x"))), false},
		{"x and not x", NewAnd(Compare("kyc", OpEQ, Bool(true)), NewNot(Compare("kyc", OpEQ, Bool(true)))), false},
		{"bool exhausted", NewAnd(Compare("kyc", OpNE, Bool(true)), Compare("kyc", OpNE, Bool(false))), false},
		{"negated bound", NewAnd(amount(OpGT, 100), NewNot(amount(OpGT, 50))), false},
		{"negation of other kind", NewAnd(segment(OpEQ, String("retail")), NewNot(Compare("segment", OpGT, Int(5)))), true},
		{"exclusions only", NewAnd(segment(OpNotIn, List(String("retail"))), NewNot(segment(OpEQ, String("sme")))), true},
		{"negated ne pins value", NewAnd(segment(OpNE, String("retail")), NewNot(segment(OpNE, String("retail")))), false},
		{"or rescues", NewAnd(amount(OpGT, 100), NewOr(amount(OpLT, 50), amount(OpGT, 200))), true},
		{"or all dead", NewAnd(amount(OpGT, 100), NewOr(amount(OpLT, 50), amount(OpLT, 20))), false},
		{"not of and", NewAnd(amount(OpGT, 100), NewNot(NewAnd(amount(OpGT, 100), amount(OpLT, 200)))), true},
		{"literal false", False, false},
		{"literal true", True, true},
		{"contains checked on candidates", NewAnd(Compare("note", OpContains, String("x")), Compare("note", OpEQ, String("y"))), false},
		{"independent fields", NewAnd(amount(OpGT, 100), segment(OpEQ, String("retail"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfiable(tt.expr))
		})
	}
}

func TestSatisfiable_IntervalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("closed interval satisfiable iff lo <= hi", prop.ForAll(
		func(lo, hi int64) bool {
			e := NewAnd(Compare("x", OpGTE, Int(lo)), Compare("x", OpLTE, Int(hi)))
			return Satisfiable(e) == (lo <= hi)
		},
		gen.Int64Range(-1000, 1000),
		gen.Int64Range(-1000, 1000),
	))

	properties.Property("open interval satisfiable iff lo < hi", prop.ForAll(
		func(lo, hi int64) bool {
			e := NewAnd(Compare("x", OpGT, Int(lo)), Compare("x", OpLT, Int(hi)))
			return Satisfiable(e) == (lo < hi)
		},
		gen.Int64Range(-1000, 1000),
		gen.Int64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}

func TestNewAnd_OrderIndependenceProperty(t *testing.T) {
	pool := []Expr{
		Compare("amount", OpGT, Int(10000)),
		Compare("amount", OpLTE, Int(50000)),
		Compare("kyc", OpEQ, Bool(true)),
		Compare("segment", OpIn, List(String("retail"), String("sme"))),
		NewNot(Compare("sanctioned", OpEQ, Bool(true))),
		Compare("tags", OpContains, String("pep")),
	}
	facts := Case{"amount": 20000, "kyc": true, "segment": "sme", "sanctioned": false, "tags": []any{"pep"}}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("permuted conjunction is canonical-equal and evaluates the same", prop.ForAll(
		func(idx []int) bool {
			forward := make([]Expr, len(idx))
			backward := make([]Expr, len(idx))
			for i, k := range idx {
				forward[i] = pool[k]
				backward[len(idx)-1-i] = pool[k]
			}
			a, b := NewAnd(forward...), NewAnd(backward...)
			if CanonicalString(a) != CanonicalString(b) {
				return false
			}
			want := true
			for _, e := range forward {
				want = want && e.Eval(facts)
			}
			return a.Eval(facts) == want
		},
		gen.SliceOf(gen.IntRange(0, len(pool)-1)),
	))

	properties.TestingRun(t)
}
