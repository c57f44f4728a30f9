// Package ruleset holds the live set of Active compiled rules as immutable
// snapshots swapped atomically by a single writer.
package ruleset

import (
	"sort"
	"time"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/canonical"
)

// Snapshot is a point-in-time view of all Active rules grouped by
// jurisdiction. A published snapshot is never modified; callers must treat
// the returned rules as read-only.
type Snapshot struct {
	seq            uint64
	builtAt        time.Time
	rules          map[string]*model.CompiledRule
	byJurisdiction map[string][]*model.CompiledRule
	links          map[[2]string]struct{}
	digest         string
}

// emptySnapshot is published before the first update
func emptySnapshot() *Snapshot {
	return build(0, time.Time{}, map[string]*model.CompiledRule{}, map[[2]string]struct{}{})
}

// build indexes rules by jurisdiction. It takes ownership of rules and links.
func build(seq uint64, at time.Time, rules map[string]*model.CompiledRule, links map[[2]string]struct{}) *Snapshot {
	s := &Snapshot{
		seq:            seq,
		builtAt:        at,
		rules:          rules,
		byJurisdiction: make(map[string][]*model.CompiledRule),
		links:          links,
	}
	for _, r := range rules {
		for _, code := range r.Scope {
			s.byJurisdiction[code] = append(s.byJurisdiction[code], r)
		}
	}
	for _, list := range s.byJurisdiction {
		model.SortRules(list)
	}
	s.digest = digest(rules)
	return s
}

type digestEntry struct {
	RuleID    string   `json:"rule_id"`
	LogicHash string   `json:"logic_hash"`
	Scope     []string `json:"scope"`
	Covered   []string `json:"covered"`
}

func digest(rules map[string]*model.CompiledRule) string {
	entries := make([]digestEntry, 0, len(rules))
	for _, r := range rules {
		entries = append(entries, digestEntry{
			RuleID:    r.RuleID,
			LogicHash: r.LogicHash,
			Scope:     r.Scope,
			Covered:   r.CoveredSlots,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RuleID < entries[j].RuleID })
	return canonical.MustHash(entries)
}

// Seq is the number of swaps that produced this snapshot
func (s *Snapshot) Seq() uint64 { return s.seq }

// BuiltAt is when the snapshot was published
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Digest identifies the rule content independent of build order
func (s *Snapshot) Digest() string { return s.digest }

// Size returns the number of Active rules
func (s *Snapshot) Size() int { return len(s.rules) }

// RulesFor returns the Active rules scoped to code ordered by level and rule id
func (s *Snapshot) RulesFor(code string) []*model.CompiledRule {
	return append([]*model.CompiledRule(nil), s.byJurisdiction[code]...)
}

// Rule looks up an Active rule by id
func (s *Snapshot) Rule(id string) (*model.CompiledRule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// Rules returns every Active rule ordered by level and rule id
func (s *Snapshot) Rules() []*model.CompiledRule {
	out := make([]*model.CompiledRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	model.SortRules(out)
	return out
}

// Jurisdictions returns the codes that have at least one rule, sorted
func (s *Snapshot) Jurisdictions() []string {
	out := make([]string, 0, len(s.byJurisdiction))
	for code := range s.byJurisdiction {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Linked reports whether an overlap advisory relates rules a and b
func (s *Snapshot) Linked(a, b string) bool {
	_, ok := s.links[linkKey(a, b)]
	return ok
}

// Links returns the recorded rule pairs in sorted order
func (s *Snapshot) Links() [][2]string {
	out := make([][2]string, 0, len(s.links))
	for k := range s.links {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// ActiveForSlot returns the rules covering a rule slot key
func (s *Snapshot) ActiveForSlot(slotKey string) []*model.CompiledRule {
	var out []*model.CompiledRule
	for _, r := range s.rules {
		if r.Covers(slotKey) {
			out = append(out, r)
		}
	}
	model.SortRules(out)
	return out
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
