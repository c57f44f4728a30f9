// Package overlap detects compiled rules that cover the same ground and
// resolves them into merged or consolidated rules.
package overlap

import (
	"math"
	"regexp"
	"strings"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// Similarity weights
const (
	ConditionWeight = 0.7
	TextWeight      = 0.3
)

// familyBoolean is the signature family of equality against a boolean
const familyBoolean logic.Family = "boolean"

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

var textStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "and": {},
	"or": {}, "by": {}, "be": {}, "is": {}, "are": {}, "with": {}, "must": {}, "shall": {},
}

// Signatures returns the set of field and operator-family pairs in e
func Signatures(e logic.Expr) map[string]struct{} {
	out := make(map[string]struct{})
	if e == nil {
		return out
	}
	for _, c := range logic.Comparisons(e) {
		family := c.Op.Family()
		if c.Op == logic.OpEQ && c.Value.Kind() == logic.KindBool {
			family = familyBoolean
		}
		out[c.Field+"|"+string(family)] = struct{}{}
	}
	return out
}

// Tokens returns the set of significant lower-case words of text
func Tokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := textStopwords[w]; !stop {
			out[w] = struct{}{}
		}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|, zero when both sets are empty
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Similarity scores two rules in [0,1]:
// 0.7 × Jaccard of condition signatures + 0.3 × Jaccard of text tokens,
// rounded to four decimals.
func Similarity(a, b *model.CompiledRule) float64 {
	s := ConditionWeight*Jaccard(Signatures(a.Expr), Signatures(b.Expr)) +
		TextWeight*Jaccard(Tokens(a.Text), Tokens(b.Text))
	return math.Round(s*1e4) / 1e4
}

// Classify decides how two overlapping rules relate
func Classify(a, b *model.CompiledRule) model.OverlapType {
	if logic.Equal(a.Expr, b.Expr) {
		return model.OverlapDuplicate
	}
	ca, cb := clauseSet(a.Expr), clauseSet(b.Expr)
	if strictSubset(ca, cb) || strictSubset(cb, ca) {
		return model.OverlapSubset
	}
	if a.IsActive() && b.IsActive() && a.Lineage() == b.Lineage() &&
		(a.Level > model.Level1 || b.Level > model.Level1) {
		return model.OverlapConflicting
	}
	return model.OverlapRelated
}

func clauseSet(e logic.Expr) map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range logic.Clauses(e) {
		out[logic.CanonicalString(c)] = struct{}{}
	}
	return out
}

func strictSubset(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(a) >= len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
