package overlap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// DefaultThreshold is the similarity at or above which two rules overlap
const DefaultThreshold = 0.8

// SystemOperator is recorded on resolutions made without a human
const SystemOperator = "system"

// Resolver detects and resolves overlaps. It holds no state besides its
// configuration and is safe for concurrent use.
type Resolver struct {
	threshold float64
	operator  string
}

// NewResolver creates a resolver. A threshold outside (0,1] falls back to
// DefaultThreshold.
func NewResolver(threshold float64, operator string) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if operator == "" {
		operator = SystemOperator
	}
	return &Resolver{threshold: threshold, operator: operator}
}

// Threshold returns the configured similarity threshold
func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// Resolution is the outcome of resolving one advisory. Rules are copies; the
// inputs are never modified.
type Resolution struct {
	Advisory *model.OverlapAdvisory
	// Kept is the rule that remains Active with the merged coverage
	Kept *model.CompiledRule
	// Created is the consolidated rule, nil unless a consolidation happened
	Created *model.CompiledRule
	// Retired are the rules now MergedInto Kept
	Retired []*model.CompiledRule
}

// Changed reports whether the resolution altered any rule
func (r *Resolution) Changed() bool {
	return r.Kept != nil
}

// AdvisoryID derives a stable advisory id from the rule pair
func AdvisoryID(a, b string) string {
	return "adv_" + pairHash(a, b)
}

// ConsolidatedID derives the id of the rule consolidating a and b
func ConsolidatedID(a, b string) string {
	return "consolidated_" + pairHash(a, b)
}

func pairHash(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// Detect compares a new rule against existing Active rules of the same
// jurisdiction and returns an advisory for every pair at or above the
// threshold, most similar first. Rules compiled from the same obligation are
// never compared. Rules of parent and child jurisdictions are left to the
// jurisdiction chain at evaluation time.
func (r *Resolver) Detect(rule *model.CompiledRule, existing []*model.CompiledRule) []*model.OverlapAdvisory {
	var out []*model.OverlapAdvisory
	for _, e := range existing {
		if e.RuleID == rule.RuleID || !e.IsActive() || e.Expr == nil {
			continue
		}
		if e.SourceObligationID == rule.SourceObligationID || !sameJurisdiction(e, rule) {
			continue
		}
		sim := Similarity(rule, e)
		if sim < r.threshold {
			continue
		}
		out = append(out, &model.OverlapAdvisory{
			AdvisoryID: AdvisoryID(rule.RuleID, e.RuleID),
			RuleA:      rule.RuleID,
			RuleB:      e.RuleID,
			Similarity: sim,
			Type:       Classify(rule, e),
			Resolution: model.ResolutionNoAction,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].RuleB < out[j].RuleB
	})
	return out
}

// Resolve applies the automatic resolution for adv, where a and b are the
// rules named by the advisory in either order.
//
// Duplicates and subsets merge the narrower rule into the broader one;
// conflicting rules are consolidated into a new rule. Related overlaps are
// recorded with NoAction. A conflicting pair whose conditions are mutually
// exclusive fails with *model.UnresolvableOverlapError and the returned
// resolution still carries the NoAction advisory to persist.
func (r *Resolver) Resolve(adv *model.OverlapAdvisory, a, b *model.CompiledRule) (*Resolution, error) {
	if err := checkPair(adv, a, b); err != nil {
		return nil, err
	}
	out := *adv
	res := &Resolution{Advisory: &out}

	switch adv.Type {
	case model.OverlapDuplicate:
		kept, narrow := a, b
		if broader(b, a) {
			kept, narrow = b, a
		}
		merge(res, kept, narrow, model.ResolutionMerged, r.operator)
		res.Advisory.Reason = "identical conditions"

	case model.OverlapSubset:
		kept, narrow := a, b
		if strictSubset(clauseSet(a.Expr), clauseSet(b.Expr)) {
			kept, narrow = b, a
		}
		merge(res, kept, narrow, model.ResolutionMerged, r.operator)
		res.Advisory.Reason = "conditions of " + narrow.RuleID + " are contained in " + kept.RuleID

	case model.OverlapConflicting:
		consolidated, err := consolidate(a, b)
		if err != nil {
			res.Advisory.Resolution = model.ResolutionNoAction
			res.Advisory.Reason = err.Error()
			return res, &model.UnresolvableOverlapError{
				AdvisoryID: adv.AdvisoryID,
				RuleA:      adv.RuleA,
				RuleB:      adv.RuleB,
				Reason:     err.Error(),
			}
		}
		res.Kept = consolidated
		res.Created = consolidated
		for _, src := range []*model.CompiledRule{a, b} {
			res.Retired = append(res.Retired, retire(src, consolidated.RuleID))
		}
		res.Advisory.Resolution = model.ResolutionConsolidate
		res.Advisory.KeptRuleID = consolidated.RuleID
		res.Advisory.MergedRuleID = consolidated.RuleID
		res.Advisory.OperatorID = r.operator
		res.Advisory.Reason = "consolidated into " + consolidated.RuleID

	default:
		res.Advisory.Resolution = model.ResolutionNoAction
		res.Advisory.Reason = "related rules recorded for review"
	}
	return res, nil
}

// Adjudicate records a human decision on a pending advisory: keepID stays
// Active and the other rule is merged into it. The returned advisory is a
// new entry superseding adv.
func (r *Resolver) Adjudicate(adv *model.OverlapAdvisory, a, b *model.CompiledRule, keepID, operatorID, reason string) (*Resolution, error) {
	if err := checkPair(adv, a, b); err != nil {
		return nil, err
	}
	if operatorID == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessage("operator id is required")
	}
	kept, other := a, b
	switch keepID {
	case a.RuleID:
	case b.RuleID:
		kept, other = b, a
	default:
		return nil, apperrors.ErrInvalidRequest.WithMessagef("rule %s is not part of advisory %s", keepID, adv.AdvisoryID)
	}
	if !kept.IsActive() || !other.IsActive() {
		return nil, apperrors.ErrConflict.WithMessage("both rules must still be active")
	}

	out := *adv
	out.ID = 0
	out.CreatedAt = 0
	out.AdvisoryID = adv.AdvisoryID + "_adj"
	out.Supersedes = adv.AdvisoryID
	out.Reason = reason
	res := &Resolution{Advisory: &out}
	merge(res, kept, other, model.ResolutionAdjudicated, operatorID)
	return res, nil
}

func sameJurisdiction(a, b *model.CompiledRule) bool {
	return strings.EqualFold(strings.TrimSpace(a.Jurisdiction), strings.TrimSpace(b.Jurisdiction))
}

func checkPair(adv *model.OverlapAdvisory, a, b *model.CompiledRule) error {
	if adv == nil || a == nil || b == nil {
		return apperrors.ErrInvalidRequest.WithMessage("advisory and both rules are required")
	}
	pair := map[string]bool{adv.RuleA: true, adv.RuleB: true}
	if a.RuleID == b.RuleID || !pair[a.RuleID] || !pair[b.RuleID] {
		return apperrors.ErrInvalidRequest.WithMessagef("rules %s and %s do not match advisory %s", a.RuleID, b.RuleID, adv.AdvisoryID)
	}
	return nil
}

func merge(res *Resolution, kept, narrow *model.CompiledRule, resolution model.Resolution, operator string) {
	k := kept.Clone()
	k.CoveredSlots = model.SortedUnion(kept.CoveredSlots, narrow.CoveredSlots)
	k.Scope = model.SortedUnion(kept.Scope, narrow.Scope)
	res.Kept = k
	res.Retired = []*model.CompiledRule{retire(narrow, kept.RuleID)}
	res.Advisory.Resolution = resolution
	res.Advisory.KeptRuleID = kept.RuleID
	res.Advisory.MergedRuleID = narrow.RuleID
	res.Advisory.OperatorID = operator
}

func retire(rule *model.CompiledRule, into string) *model.CompiledRule {
	c := rule.Clone()
	c.Status = model.RuleStatusMergedInto
	c.MergedInto = into
	return c
}

// broader reports whether a should be kept over b: lower level first, then
// lower rule id
func broader(a, b *model.CompiledRule) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.RuleID < b.RuleID
}

// consolidate builds the AND of both rules' clauses. The rule with the
// broader standing provides the identity fields.
func consolidate(a, b *model.CompiledRule) (*model.CompiledRule, error) {
	primary, secondary := a, b
	if broader(b, a) {
		primary, secondary = b, a
	}
	clauses := append(logic.Clauses(primary.Expr), logic.Clauses(secondary.Expr)...)
	combined := logic.NewAnd(clauses...)
	if !logic.Satisfiable(combined) {
		return nil, fmt.Errorf("conditions of %s and %s are mutually exclusive", primary.RuleID, secondary.RuleID)
	}

	c := primary.Clone()
	c.ID = 0
	c.CreatedAt = 0
	c.UpdatedAt = 0
	c.RuleID = ConsolidatedID(a.RuleID, b.RuleID)
	c.Consolidated = true
	c.Status = model.RuleStatusActive
	c.MergedInto = ""
	c.Text = strings.TrimSpace(primary.Text + "\n" + secondary.Text)
	c.Provenance = []string{primary.RuleID, secondary.RuleID}
	c.Scope = model.SortedUnion(primary.Scope, secondary.Scope)
	c.CoveredSlots = model.SortedUnion(primary.CoveredSlots, secondary.CoveredSlots)
	if secondary.EffectiveAt > c.EffectiveAt {
		c.EffectiveAt = secondary.EffectiveAt
	}
	if err := c.SetLogic(combined); err != nil {
		return nil, err
	}
	return c, nil
}
