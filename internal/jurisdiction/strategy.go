package jurisdiction

import (
	"fmt"
	"strings"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// Strategy settles a group of rules that address the same condition but disagree
type Strategy string

const (
	MostSpecificWins    Strategy = "most_specific_wins"
	MostRestrictiveWins Strategy = "most_restrictive_wins"
	Union               Strategy = "union"
)

// ParseStrategy accepts the snake_case or CamelCase strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "mostspecificwins", "mostspecific":
		return MostSpecificWins, nil
	case "mostrestrictivewins", "mostrestrictive":
		return MostRestrictiveWins, nil
	case "union":
		return Union, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Valid reports whether the strategy is known
func (s Strategy) Valid() bool {
	switch s {
	case MostSpecificWins, MostRestrictiveWins, Union:
		return true
	}
	return false
}

// candidate is a rule together with the position of its most specific
// jurisdiction in the requested chain
type candidate struct {
	rule  *model.CompiledRule
	chain int
}

// Restrictiveness scores how strict a rule is: every comparison adds 0.2,
// equality 0.3, upper and lower bounds 0.4 and exclusion lists 0.5.
func Restrictiveness(e logic.Expr) float64 {
	score := 0.0
	for _, c := range logic.Comparisons(e) {
		score += 0.2
		switch c.Op {
		case logic.OpEQ:
			score += 0.3
		case logic.OpLT, logic.OpLTE, logic.OpGT, logic.OpGTE:
			score += 0.4
		case logic.OpNotIn:
			score += 0.5
		}
	}
	return score
}

// mostSpecific prefers the nearest jurisdiction, then the more detailed
// level, then the lower rule id
func mostSpecific(group []candidate) candidate {
	best := group[0]
	for _, c := range group[1:] {
		switch {
		case c.chain != best.chain:
			if c.chain < best.chain {
				best = c
			}
		case c.rule.Level != best.rule.Level:
			if c.rule.Level > best.rule.Level {
				best = c
			}
		case c.rule.RuleID < best.rule.RuleID:
			best = c
		}
	}
	return best
}

// mostRestrictive prefers the highest score; ties go to the most specific rule
func mostRestrictive(group []candidate) candidate {
	bestScore := -1.0
	var tied []candidate
	for _, c := range group {
		s := Restrictiveness(c.rule.Expr)
		switch {
		case s > bestScore+1e-9:
			bestScore = s
			tied = []candidate{c}
		case s > bestScore-1e-9:
			tied = append(tied, c)
		}
	}
	return mostSpecific(tied)
}

// union AND-combines the group into one synthetic rule. It reports false
// when the combination is contradictory.
func union(group []candidate) (candidate, bool) {
	exprs := make([]logic.Expr, 0, len(group))
	ids := make([]string, 0, len(group))
	scopes := make([][]string, 0, len(group))
	covered := make([][]string, 0, len(group))
	for _, c := range group {
		exprs = append(exprs, c.rule.Expr)
		ids = append(ids, c.rule.RuleID)
		scopes = append(scopes, c.rule.Scope)
		covered = append(covered, c.rule.CoveredSlots)
	}
	combined := logic.NewAnd(exprs...)
	if !logic.Satisfiable(combined) {
		return candidate{}, false
	}

	base := mostSpecific(group)
	rule := base.rule.Clone()
	ids = model.SortedUnion(ids)
	rule.RuleID = "union_" + strings.Join(ids, "+")
	rule.Provenance = ids
	rule.Scope = model.SortedUnion(scopes...)
	rule.CoveredSlots = model.SortedUnion(covered...)
	rule.Consolidated = true
	for _, c := range group {
		if c.rule.Level < rule.Level {
			rule.Level = c.rule.Level
		}
	}
	rule.Text = ""
	if err := rule.SetLogic(combined); err != nil {
		return candidate{}, false
	}
	return candidate{rule: rule, chain: base.chain}, true
}
