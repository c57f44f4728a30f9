// Package jurisdiction resolves which compiled rules govern a case in a given
// country by walking the jurisdiction hierarchy and settling disagreements
// between rules that address the same condition.
package jurisdiction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// DefaultParents is the built-in hierarchy: EU member states roll up to EU,
// EU, GB and US have no parent.
func DefaultParents() map[string]string {
	return map[string]string{
		"EU": "",
		"DE": "EU",
		"FR": "EU",
		"IE": "EU",
		"NL": "EU",
		"ES": "EU",
		"IT": "EU",
		"AT": "EU",
		"BE": "EU",
		"LU": "EU",
		"GB": "",
		"US": "",
	}
}

// Hierarchy is an immutable parent map of jurisdiction codes
type Hierarchy struct {
	parents map[string]string
	chains  map[string][]string
}

// Normalize upper-cases and trims a jurisdiction code
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewHierarchy validates parents and precomputes every chain. A parent that is
// not itself declared is added as a root. Cycles are rejected.
func NewHierarchy(parents map[string]string) (*Hierarchy, error) {
	h := &Hierarchy{
		parents: make(map[string]string, len(parents)),
		chains:  make(map[string][]string, len(parents)),
	}
	for code, parent := range parents {
		code, parent = Normalize(code), Normalize(parent)
		if code == "" {
			return nil, fmt.Errorf("jurisdiction: empty code")
		}
		if code == parent {
			return nil, fmt.Errorf("jurisdiction: %s is its own parent", code)
		}
		h.parents[code] = parent
	}
	for _, parent := range h.parents {
		if _, ok := h.parents[parent]; parent != "" && !ok {
			h.parents[parent] = ""
		}
	}

	for code := range h.parents {
		chain := []string{code}
		seen := map[string]struct{}{code: {}}
		for p := h.parents[code]; p != ""; p = h.parents[p] {
			if _, loop := seen[p]; loop {
				return nil, fmt.Errorf("jurisdiction: cycle through %s", strings.Join(append(chain, p), " -> "))
			}
			seen[p] = struct{}{}
			chain = append(chain, p)
		}
		h.chains[code] = chain
	}
	return h, nil
}

// Chain returns code followed by its ancestors, most specific first
func (h *Hierarchy) Chain(code string) ([]string, error) {
	chain, ok := h.chains[Normalize(code)]
	if !ok {
		return nil, &model.UnknownJurisdictionError{Code: code}
	}
	return append([]string(nil), chain...), nil
}

// Known reports whether code is configured
func (h *Hierarchy) Known(code string) bool {
	_, ok := h.chains[Normalize(code)]
	return ok
}

// Parent returns the parent of code, empty for roots
func (h *Hierarchy) Parent(code string) string {
	return h.parents[Normalize(code)]
}

// Codes returns every configured code in sorted order
func (h *Hierarchy) Codes() []string {
	out := make([]string, 0, len(h.chains))
	for c := range h.chains {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
