package overlap

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

func newRule(t *testing.T, id string, slot model.Slot, level model.Level, text string, e logic.Expr) *model.CompiledRule {
	t.Helper()
	r := &model.CompiledRule{
		RuleID:             id,
		SourceObligationID: slot.ObligationID(),
		SourceVersion:      1,
		Part:               1,
		RegulationName:     slot.RegulationName,
		Article:            slot.Article,
		Clause:             slot.Clause,
		Jurisdiction:       slot.Jurisdiction,
		Level:              level,
		Text:               text,
		Status:             model.RuleStatusActive,
		EffectiveAt:        1000,
		Scope:              []string{slot.Jurisdiction},
	}
	r.CoveredSlots = []string{r.RuleSlot()}
	require.NoError(t, r.SetLogic(e))
	return r
}

var (
	baselSlot = model.Slot{RegulationName: "Basel III", Article: "Art.92", Clause: "1", Jurisdiction: "DE"}
	rtsSlot   = model.Slot{RegulationName: "EBA RTS", Article: "Art.3", Clause: "2", Jurisdiction: "DE"}
	amlSlot   = model.Slot{RegulationName: "AMLD", Article: "Art.11", Clause: "1", Jurisdiction: "DE"}

	ratioAtLeast = logic.Compare("cet1_capital_ratio", logic.OpGTE, logic.Number(decimal.RequireFromString("4.5")))
	ratioAbove4  = logic.Compare("cet1_capital_ratio", logic.OpGT, logic.Int(4))
)

const (
	r1Text = "Institutions must maintain a CET1 capital ratio of at least 4.5%"
	r3Text = "Institutions must hold a CET1 capital ratio above 4% at all times"
)

// A Level1 rule and a Level3 rule of the same lineage conflict and consolidate with provenance.
func scenarioRules(t *testing.T) (*model.CompiledRule, *model.CompiledRule) {
	r1 := newRule(t, "R1", baselSlot, model.Level1, r1Text, ratioAtLeast)
	r3 := newRule(t, "R3", rtsSlot, model.Level3, r3Text, ratioAbove4)
	r3.ParentRef = "Basel III|Art.92"
	return r1, r3
}

func TestSimilarity_ScenarioPair(t *testing.T) {
	r1, r3 := scenarioRules(t)
	// identical condition signatures (0.7), text 6/13
	assert.InDelta(t, 0.8385, Similarity(r1, r3), 1e-9)
	assert.Equal(t, Similarity(r1, r3), Similarity(r3, r1))
	assert.Equal(t, 1.0, Similarity(r1, r1))
}

func TestJaccard(t *testing.T) {
	set := func(ss ...string) map[string]struct{} {
		m := make(map[string]struct{})
		for _, s := range ss {
			m[s] = struct{}{}
		}
		return m
	}
	assert.Equal(t, 0.0, Jaccard(set(), set()))
	assert.Equal(t, 1.0, Jaccard(set("a"), set("a")))
	assert.Equal(t, 0.5, Jaccard(set("a", "b"), set("b")))
	assert.Equal(t, 0.0, Jaccard(set("a"), set("b")))
}

func TestSignatures(t *testing.T) {
	e := logic.NewAnd(
		logic.Compare("amount", logic.OpGT, logic.Int(1)),
		logic.Compare("amount", logic.OpGTE, logic.Int(2)),
		logic.Compare("kyc", logic.OpEQ, logic.Bool(true)),
		logic.NewNot(logic.Compare("country", logic.OpEQ, logic.String("IR"))),
		logic.Compare("segment", logic.OpNotIn, logic.List(logic.String("retail"))),
	)
	got := Signatures(e)
	assert.Len(t, got, 4)
	for _, k := range []string{"amount|lower_bound", "kyc|boolean", "country|equality", "segment|exclusion"} {
		assert.Contains(t, got, k)
	}
}

func TestClassify(t *testing.T) {
	r1, r3 := scenarioRules(t)
	assert.Equal(t, model.OverlapConflicting, Classify(r1, r3))
	assert.Equal(t, model.OverlapConflicting, Classify(r3, r1))

	dup := newRule(t, "D", rtsSlot, model.Level2, r1Text, ratioAtLeast)
	assert.Equal(t, model.OverlapDuplicate, Classify(r1, dup))

	wider := newRule(t, "W", amlSlot, model.Level1, r1Text,
		logic.NewAnd(ratioAtLeast, logic.Compare("kyc", logic.OpEQ, logic.Bool(true))))
	assert.Equal(t, model.OverlapSubset, Classify(r1, wider))
	assert.Equal(t, model.OverlapSubset, Classify(wider, r1))

	// different lineage, both Level1
	other := newRule(t, "O", amlSlot, model.Level1, r3Text, ratioAbove4)
	assert.Equal(t, model.OverlapRelated, Classify(r1, other))

	// inactive rules never conflict
	r3.Status = model.RuleStatusSuperseded
	assert.Equal(t, model.OverlapRelated, Classify(r1, r3))
}

func TestDetect(t *testing.T) {
	r1, r3 := scenarioRules(t)
	unrelated := newRule(t, "U", amlSlot, model.Level1, "Customer due diligence is mandatory",
		logic.Compare("customer_due_diligence", logic.OpEQ, logic.Bool(true)))
	sameSource := newRule(t, "R3b", rtsSlot, model.Level3, r3Text, ratioAtLeast)
	inactive := newRule(t, "X", amlSlot, model.Level1, r1Text, ratioAtLeast)
	inactive.Status = model.RuleStatusMergedInto

	res := NewResolver(0.8, "")
	advs := res.Detect(r3, []*model.CompiledRule{unrelated, r1, sameSource, inactive, r3})
	require.Len(t, advs, 1)

	adv := advs[0]
	assert.Equal(t, AdvisoryID("R3", "R1"), adv.AdvisoryID)
	assert.Equal(t, AdvisoryID("R1", "R3"), adv.AdvisoryID)
	assert.Equal(t, "R3", adv.RuleA)
	assert.Equal(t, "R1", adv.RuleB)
	assert.Equal(t, model.OverlapConflicting, adv.Type)
	assert.Equal(t, model.ResolutionNoAction, adv.Resolution)
	assert.GreaterOrEqual(t, adv.Similarity, 0.8)

	// below threshold is discarded
	assert.Empty(t, NewResolver(0.9, "").Detect(r3, []*model.CompiledRule{r1}))
}

func TestDetect_SameJurisdictionOnly(t *testing.T) {
	euSlot := baselSlot
	euSlot.Jurisdiction = "EU"
	eu := newRule(t, "R1_EU", euSlot, model.Level1, r1Text, ratioAtLeast)
	_, de := scenarioRules(t)

	res := NewResolver(0.8, "")
	assert.Empty(t, res.Detect(de, []*model.CompiledRule{eu}))
	assert.Empty(t, res.Detect(eu, []*model.CompiledRule{de}))

	// the same pair inside one jurisdiction still overlaps
	deSlot := baselSlot
	deSlot.Jurisdiction = "de"
	local := newRule(t, "R1_DE", deSlot, model.Level1, r1Text, ratioAtLeast)
	assert.Len(t, res.Detect(de, []*model.CompiledRule{eu, local}), 1)
}

func TestNewResolver_Defaults(t *testing.T) {
	r := NewResolver(0, "")
	assert.Equal(t, DefaultThreshold, r.Threshold())
	assert.Equal(t, DefaultThreshold, NewResolver(1.5, "x").Threshold())
	assert.Equal(t, 0.6, NewResolver(0.6, "x").Threshold())
}

func TestResolve_Consolidates(t *testing.T) {
	r1, r3 := scenarioRules(t)
	res := NewResolver(0.8, "")
	adv := res.Detect(r3, []*model.CompiledRule{r1})[0]

	out, err := res.Resolve(adv, r3, r1)
	require.NoError(t, err)
	require.NotNil(t, out.Created)
	assert.True(t, out.Changed())

	c := out.Created
	assert.Equal(t, ConsolidatedID("R1", "R3"), c.RuleID)
	assert.True(t, strings.HasPrefix(c.RuleID, "consolidated_"))
	assert.Equal(t, []string{"R1", "R3"}, c.Provenance)
	assert.True(t, c.Consolidated)
	assert.True(t, c.IsActive())
	assert.Equal(t, model.Level1, c.Level)
	assert.Equal(t, r1.SourceObligationID, c.SourceObligationID)
	assert.Equal(t, []string{"DE"}, c.Scope)
	assert.ElementsMatch(t, append(r1.CoveredSlots, r3.CoveredSlots...), c.CoveredSlots)
	assert.True(t, logic.Equal(logic.NewAnd(ratioAtLeast, ratioAbove4), c.Expr))
	assert.Same(t, c, out.Kept)

	require.Len(t, out.Retired, 2)
	for _, r := range out.Retired {
		assert.Equal(t, model.RuleStatusMergedInto, r.Status)
		assert.Equal(t, c.RuleID, r.MergedInto)
	}

	assert.Equal(t, model.ResolutionConsolidate, out.Advisory.Resolution)
	assert.Equal(t, c.RuleID, out.Advisory.MergedRuleID)
	assert.Equal(t, SystemOperator, out.Advisory.OperatorID)

	// inputs are not mutated
	assert.True(t, r1.IsActive())
	assert.True(t, r3.IsActive())
	assert.Equal(t, model.ResolutionNoAction, adv.Resolution)

	// deterministic
	again, err := res.Resolve(adv, r1, r3)
	require.NoError(t, err)
	assert.Equal(t, c.RuleID, again.Created.RuleID)
	assert.Equal(t, string(c.LogicJSON), string(again.Created.LogicJSON))
}

func TestResolve_Unresolvable(t *testing.T) {
	band := func(lo, hi int64) logic.Expr {
		return logic.NewAnd(
			logic.Compare("cet1_capital_ratio", logic.OpGTE, logic.Int(lo)),
			logic.Compare("cet1_capital_ratio", logic.OpLTE, logic.Int(hi)),
		)
	}
	r1 := newRule(t, "R1", baselSlot, model.Level1, r1Text, band(4, 10))
	r3 := newRule(t, "R3", rtsSlot, model.Level3, r3Text, band(12, 20))
	r3.ParentRef = "Basel III|Art.92"

	res := NewResolver(0.8, "")
	advs := res.Detect(r3, []*model.CompiledRule{r1})
	require.Len(t, advs, 1)
	require.Equal(t, model.OverlapConflicting, advs[0].Type)

	out, err := res.Resolve(advs[0], r3, r1)
	require.Error(t, err)
	var ue *model.UnresolvableOverlapError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, advs[0].AdvisoryID, ue.AdvisoryID)
	assert.True(t, errors.Is(err, apperrors.ErrUnresolvableOverlap))
	assert.False(t, ue.Retryable())

	require.NotNil(t, out)
	assert.False(t, out.Changed())
	assert.Equal(t, model.ResolutionNoAction, out.Advisory.Resolution)
	assert.NotEmpty(t, out.Advisory.Reason)
	assert.Nil(t, out.Created)
	assert.Empty(t, out.Retired)
}

func TestResolve_Duplicate(t *testing.T) {
	l2 := newRule(t, "A_dup", rtsSlot, model.Level2, r1Text, ratioAtLeast)
	l1 := newRule(t, "B_dup", baselSlot, model.Level1, r1Text, ratioAtLeast)
	l2.Scope = []string{"EU"}
	adv := &model.OverlapAdvisory{AdvisoryID: AdvisoryID("A_dup", "B_dup"), RuleA: "A_dup", RuleB: "B_dup", Type: model.OverlapDuplicate}

	out, err := NewResolver(0.8, "").Resolve(adv, l2, l1)
	require.NoError(t, err)
	assert.Equal(t, "B_dup", out.Kept.RuleID)
	assert.Equal(t, []string{"DE", "EU"}, out.Kept.Scope)
	assert.ElementsMatch(t, []string{l1.RuleSlot(), l2.RuleSlot()}, out.Kept.CoveredSlots)
	require.Len(t, out.Retired, 1)
	assert.Equal(t, "A_dup", out.Retired[0].RuleID)
	assert.Equal(t, "B_dup", out.Retired[0].MergedInto)
	assert.Equal(t, model.ResolutionMerged, out.Advisory.Resolution)
	assert.Equal(t, "B_dup", out.Advisory.KeptRuleID)
	assert.Equal(t, "A_dup", out.Advisory.MergedRuleID)
	assert.Nil(t, out.Created)
}

func TestResolve_SubsetKeepsSuperset(t *testing.T) {
	narrow := newRule(t, "N", baselSlot, model.Level1, r1Text, ratioAtLeast)
	wide := newRule(t, "W", amlSlot, model.Level2, r1Text,
		logic.NewAnd(ratioAtLeast, logic.Compare("kyc", logic.OpEQ, logic.Bool(true))))
	adv := &model.OverlapAdvisory{AdvisoryID: "adv", RuleA: "N", RuleB: "W", Type: model.OverlapSubset}

	out, err := NewResolver(0.8, "").Resolve(adv, narrow, wide)
	require.NoError(t, err)
	assert.Equal(t, "W", out.Kept.RuleID)
	assert.Equal(t, "N", out.Retired[0].RuleID)
	assert.Contains(t, out.Kept.CoveredSlots, narrow.RuleSlot())
}

func TestResolve_RelatedNoAction(t *testing.T) {
	a := newRule(t, "A", baselSlot, model.Level1, r1Text, ratioAtLeast)
	b := newRule(t, "B", amlSlot, model.Level1, r1Text, ratioAbove4)
	adv := &model.OverlapAdvisory{AdvisoryID: "adv", RuleA: "A", RuleB: "B", Type: model.OverlapRelated}

	out, err := NewResolver(0.8, "").Resolve(adv, a, b)
	require.NoError(t, err)
	assert.False(t, out.Changed())
	assert.Equal(t, model.ResolutionNoAction, out.Advisory.Resolution)
}

func TestResolve_RejectsMismatchedRules(t *testing.T) {
	a := newRule(t, "A", baselSlot, model.Level1, r1Text, ratioAtLeast)
	b := newRule(t, "B", amlSlot, model.Level1, r1Text, ratioAbove4)
	adv := &model.OverlapAdvisory{AdvisoryID: "adv", RuleA: "A", RuleB: "C", Type: model.OverlapDuplicate}

	_, err := NewResolver(0.8, "").Resolve(adv, a, b)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
	_, err = NewResolver(0.8, "").Resolve(adv, a, a)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
}

func TestAdjudicate(t *testing.T) {
	a := newRule(t, "A", baselSlot, model.Level1, r1Text, ratioAtLeast)
	b := newRule(t, "B", amlSlot, model.Level1, r1Text, ratioAbove4)
	adv := &model.OverlapAdvisory{
		ID: 7, AdvisoryID: "adv_1", RuleA: "A", RuleB: "B",
		Type: model.OverlapRelated, Resolution: model.ResolutionNoAction, Similarity: 0.85,
	}
	res := NewResolver(0.8, "")

	out, err := res.Adjudicate(adv, a, b, "B", "alice", "national rule prevails")
	require.NoError(t, err)
	assert.Equal(t, "adv_1_adj", out.Advisory.AdvisoryID)
	assert.Equal(t, "adv_1", out.Advisory.Supersedes)
	assert.Zero(t, out.Advisory.ID)
	assert.Equal(t, model.ResolutionAdjudicated, out.Advisory.Resolution)
	assert.Equal(t, "alice", out.Advisory.OperatorID)
	assert.Equal(t, "B", out.Advisory.KeptRuleID)
	assert.Equal(t, "A", out.Advisory.MergedRuleID)
	assert.Equal(t, "national rule prevails", out.Advisory.Reason)
	assert.Equal(t, "B", out.Kept.RuleID)
	assert.Equal(t, "B", out.Retired[0].MergedInto)
	assert.Equal(t, int64(7), adv.ID)

	_, err = res.Adjudicate(adv, a, b, "Z", "alice", "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))
	_, err = res.Adjudicate(adv, a, b, "A", "", "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidRequest))

	b.Status = model.RuleStatusSuperseded
	_, err = res.Adjudicate(adv, a, b, "A", "alice", "")
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestSimilarity_SymmetryProperty(t *testing.T) {
	fields := []string{"amount", "ratio", "kyc", "segment"}
	ops := []logic.Operator{logic.OpGT, logic.OpLTE, logic.OpEQ, logic.OpIn, logic.OpNotIn}
	words := []string{"institutions", "report", "capital", "ratio", "customers", "within", "days", "retail"}

	build := func(id string, picks []int, textPicks []int) *model.CompiledRule {
		exprs := make([]logic.Expr, 0, len(picks))
		for _, p := range picks {
			f := fields[p%len(fields)]
			op := ops[(p/len(fields))%len(ops)]
			v := logic.Int(int64(p))
			if op == logic.OpIn || op == logic.OpNotIn {
				v = logic.List(logic.Int(int64(p)))
			}
			exprs = append(exprs, logic.Compare(f, op, v))
		}
		tokens := make([]string, 0, len(textPicks))
		for _, p := range textPicks {
			tokens = append(tokens, words[p%len(words)])
		}
		r := &model.CompiledRule{RuleID: id, Text: strings.Join(tokens, " "), Status: model.RuleStatusActive}
		r.Expr = logic.NewAnd(exprs...)
		return r
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("similarity is symmetric and bounded", prop.ForAll(
		func(pa, ta, pb, tb []int) bool {
			a, b := build("a", pa, ta), build("b", pb, tb)
			s := Similarity(a, b)
			return s == Similarity(b, a) && s >= 0 && s <= 1
		},
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.Property("classification is symmetric", prop.ForAll(
		func(pa, pb []int) bool {
			a, b := build("a", pa, nil), build("b", pb, nil)
			return Classify(a, b) == Classify(b, a)
		},
		gen.SliceOf(gen.IntRange(0, 40)),
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}
