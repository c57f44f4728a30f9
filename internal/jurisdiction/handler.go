package jurisdiction

import (
	"sort"
	"strconv"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// RuleView is the read side of a rule set snapshot
type RuleView interface {
	// RulesFor returns the Active rules whose scope contains code
	RulesFor(code string) []*model.CompiledRule
	// Linked reports whether an overlap advisory relates two rules
	Linked(a, b string) bool
}

// Handler resolves applicable rules. It is pure and safe for concurrent use.
type Handler struct {
	hierarchy *Hierarchy
	strategy  Strategy
}

// NewHandler creates a handler whose zero strategy falls back to def
func NewHandler(h *Hierarchy, def Strategy) *Handler {
	if !def.Valid() {
		def = MostSpecificWins
	}
	return &Handler{hierarchy: h, strategy: def}
}

// Hierarchy returns the configured hierarchy
func (h *Handler) Hierarchy() *Hierarchy {
	return h.hierarchy
}

// DefaultStrategy returns the strategy used when none is requested
func (h *Handler) DefaultStrategy() Strategy {
	return h.strategy
}

// ApplicableRules returns the rules that govern a case in countryCode.
//
// Rules from every jurisdiction on the chain are collected and grouped when
// they address the same condition: same (regulation, article, clause) lineage
// and part, same parent reference, or linked by an overlap advisory. A group
// whose members share canonical logic is returned whole; a disagreeing group
// is settled by strategy. The result is ordered by level, chain position and
// rule id.
func (h *Handler) ApplicableRules(countryCode string, view RuleView, strategy Strategy) ([]*model.CompiledRule, error) {
	chain, err := h.hierarchy.Chain(countryCode)
	if err != nil {
		return nil, err
	}
	if !strategy.Valid() {
		strategy = h.strategy
	}

	candidates := collect(chain, view)
	groups := group(candidates, view)

	out := make([]candidate, 0, len(candidates))
	for _, g := range groups {
		if agree(g) {
			out = append(out, g...)
			continue
		}
		out = append(out, settle(g, strategy))
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rule.Level != b.rule.Level {
			return a.rule.Level < b.rule.Level
		}
		if a.chain != b.chain {
			return a.chain < b.chain
		}
		return a.rule.RuleID < b.rule.RuleID
	})
	rules := make([]*model.CompiledRule, len(out))
	for i, c := range out {
		rules[i] = c.rule
	}
	return rules, nil
}

func settle(g []candidate, strategy Strategy) candidate {
	switch strategy {
	case MostRestrictiveWins:
		return mostRestrictive(g)
	case Union:
		if c, ok := union(g); ok {
			return c
		}
	}
	return mostSpecific(g)
}

// collect gathers rules in scope of the chain, each tagged with the most
// specific chain position it appears at
func collect(chain []string, view RuleView) []candidate {
	seen := make(map[string]struct{})
	var out []candidate
	for pos, code := range chain {
		for _, r := range view.RulesFor(code) {
			if !r.IsActive() || r.Expr == nil {
				continue
			}
			if _, ok := seen[r.RuleID]; ok {
				continue
			}
			seen[r.RuleID] = struct{}{}
			out = append(out, candidate{rule: r, chain: pos})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rule.RuleID < out[j].rule.RuleID })
	return out
}

// group partitions candidates into sets of rules addressing the same condition
func group(cs []candidate, view RuleView) [][]candidate {
	parent := make([]int, len(cs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	join := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	byKey := make(map[string]int)
	for i, c := range cs {
		part := "#" + strconv.Itoa(c.rule.Part)
		keys := []string{"lineage:" + c.rule.Slot().Lineage() + part}
		if c.rule.ParentRef != "" {
			keys = append(keys, "parent:"+c.rule.ParentRef+part)
		}
		for _, k := range keys {
			if j, ok := byKey[k]; ok {
				join(i, j)
			} else {
				byKey[k] = i
			}
		}
	}
	for i := range cs {
		for j := i + 1; j < len(cs); j++ {
			if find(i) != find(j) && view.Linked(cs[i].rule.RuleID, cs[j].rule.RuleID) {
				join(i, j)
			}
		}
	}

	members := make(map[int][]candidate)
	var roots []int
	for i, c := range cs {
		r := find(i)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], c)
	}
	sort.Ints(roots)
	out := make([][]candidate, len(roots))
	for i, r := range roots {
		out[i] = members[r]
	}
	return out
}

func agree(g []candidate) bool {
	first := logic.CanonicalString(g[0].rule.Expr)
	for _, c := range g[1:] {
		if logic.CanonicalString(c.rule.Expr) != first {
			return false
		}
	}
	return true
}
