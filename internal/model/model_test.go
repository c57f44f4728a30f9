package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

func TestSlot(t *testing.T) {
	s := Slot{RegulationName: "AMLD6", Article: "Art.18", Clause: "1", Jurisdiction: "EU"}
	assert.Equal(t, "AMLD6|Art.18|1|EU", s.Key())
	assert.Equal(t, "AMLD6|Art.18|1", s.Lineage())

	// 同一槽位 ID 稳定，不同槽位不同
	assert.Equal(t, s.ObligationID(), s.ObligationID())
	other := s
	other.Jurisdiction = "DE"
	assert.NotEqual(t, s.ObligationID(), other.ObligationID())
	assert.Len(t, s.ObligationID(), 36)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, "Level2", Level2.String())
	assert.Equal(t, "UNKNOWN", Level(9).String())
	assert.True(t, Level3.Valid())
	assert.False(t, Level(0).Valid())

	l, ok := ParseLevel("Level1")
	assert.True(t, ok)
	assert.Equal(t, Level1, l)
	_, ok = ParseLevel("L4")
	assert.False(t, ok)
}

func TestCompiledRule_EncodeDecode(t *testing.T) {
	expr := logic.NewAnd(
		logic.Compare("transaction_amount", logic.OpGT, logic.Int(10000)),
		logic.Compare("customer_segment", logic.OpEQ, logic.String("retail")),
	)
	r := &CompiledRule{
		RuleID:       "r1",
		Scope:        []string{"EU"},
		CoveredSlots: []string{"AMLD6|Art.18|1|EU#1"},
	}
	require.NoError(t, r.SetLogic(expr))
	require.NoError(t, r.BeforeSave(nil))

	loaded := &CompiledRule{
		RuleID:         "r1",
		LogicJSON:      r.LogicJSON,
		ScopeJSON:      r.ScopeJSON,
		CoveredJSON:    r.CoveredJSON,
		ProvenanceJSON: r.ProvenanceJSON,
	}
	require.NoError(t, loaded.AfterFind(nil))
	assert.True(t, logic.Equal(expr, loaded.Expr))
	assert.Equal(t, []string{"EU"}, loaded.Scope)
	assert.Equal(t, []string{"AMLD6|Art.18|1|EU#1"}, loaded.CoveredSlots)
	assert.Empty(t, loaded.Provenance)
	assert.Equal(t, r.LogicHash, func() string { h, _ := logic.Hash(loaded.Expr); return h }())
}

func TestCompiledRule_Clone(t *testing.T) {
	r := &CompiledRule{RuleID: "r1", Scope: []string{"EU"}, CoveredSlots: []string{"a"}}
	c := r.Clone()
	c.Scope[0] = "DE"
	c.CoveredSlots = append(c.CoveredSlots, "b")
	assert.Equal(t, []string{"EU"}, r.Scope)
	assert.Equal(t, []string{"a"}, r.CoveredSlots)
}

func TestCompiledRule_Lineage(t *testing.T) {
	r := &CompiledRule{RegulationName: "MiFID II", Article: "Art.25"}
	assert.Equal(t, "MiFID II|Art.25", r.Lineage())
	r.ParentRef = "MiFID II|Art.24"
	assert.Equal(t, "MiFID II|Art.24", r.Lineage())
}

func TestSortedUnionAndSortRules(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedUnion([]string{"c", "a"}, []string{"b", "a"}))

	rules := []*CompiledRule{
		{RuleID: "b", Level: Level2},
		{RuleID: "c", Level: Level1},
		{RuleID: "a", Level: Level2},
	}
	SortRules(rules)
	assert.Equal(t, "c", rules[0].RuleID)
	assert.Equal(t, "a", rules[1].RuleID)
	assert.Equal(t, "b", rules[2].RuleID)
}

func TestDomainErrors(t *testing.T) {
	var err error = &StaleVersionError{ObligationID: "o1", Requested: 3, Latest: 4}
	assert.True(t, errors.Is(err, apperrors.ErrStaleVersion))
	assert.True(t, err.(interface{ Retryable() bool }).Retryable())
	assert.Contains(t, err.Error(), "requested version 3")

	err = &CompilationError{ObligationID: "o1", Version: 1, Reason: "empty content"}
	assert.True(t, errors.Is(err, apperrors.ErrCompilation))
	assert.Equal(t, 422, apperrors.ToHTTPStatus(err))

	err = &UnknownJurisdictionError{Code: "XX"}
	assert.True(t, errors.Is(err, apperrors.ErrUnknownJurisdiction))

	err = &UnresolvableOverlapError{AdvisoryID: "adv", RuleA: "a", RuleB: "b", Reason: "mutually exclusive"}
	assert.True(t, errors.Is(err, apperrors.ErrUnresolvableOverlap))
	assert.False(t, errors.Is(ErrRuleNotFound, ErrObligationNotFound))
}

func TestAuditEventType_Valid(t *testing.T) {
	assert.True(t, AuditCaseEvaluated.Valid())
	assert.False(t, AuditEventType("Nope").Valid())
}
