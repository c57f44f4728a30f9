// Package compiler turns obligation text into executable compiled rules.
//
// Extraction is pattern based and deterministic: every actionable sentence of
// the obligation content yields at most one rule whose logic is the sorted
// conjunction of the thresholds, durations, explicit comparisons and modal
// requirements found in it.
package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// VersionSource returns the greatest stored version of an obligation that is
// effective at the given unix millisecond, zero when none is.
type VersionSource interface {
	CurrentVersion(ctx context.Context, obligationID string, at int64) (int64, error)
}

// Compiler compiles obligations into rules
type Compiler struct {
	versions VersionSource
	now      func() time.Time
}

// New creates a compiler checking versions against source
func New(source VersionSource) *Compiler {
	return &Compiler{versions: source, now: time.Now}
}

// RuleID returns the id of the n-th rule compiled from an obligation version
func RuleID(obligationID string, version int64, n int) string {
	return fmt.Sprintf("%s_v%d_rule_%d", obligationID, version, n)
}

// Compile compiles one obligation version.
//
// It fails with *model.StaleVersionError when a newer version of the
// obligation is already in effect; versions stored with a future effective
// date do not make the current one stale. It fails with
// *model.CompilationError when the content is empty, contradictory or states
// no actionable condition. CompiledAt is left for the caller to stamp.
func (c *Compiler) Compile(ctx context.Context, o *model.Obligation) ([]*model.CompiledRule, error) {
	if o.ObligationID == "" {
		return nil, compileErr(o, "missing obligation id")
	}
	if !o.Level.Valid() {
		return nil, compileErr(o, fmt.Sprintf("invalid level %d", o.Level))
	}
	content := strings.TrimSpace(o.Content)
	if content == "" {
		return nil, compileErr(o, "empty content")
	}

	latest, err := c.versions.CurrentVersion(ctx, o.ObligationID, c.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if o.Version < latest {
		return nil, &model.StaleVersionError{
			ObligationID: o.ObligationID,
			Requested:    o.Version,
			Latest:       latest,
		}
	}

	slot := o.Slot()
	var rules []*model.CompiledRule
	seen := make(map[string]struct{})
	for i, sentence := range splitSentences(content) {
		if !isActionable(sentence) {
			continue
		}
		expr, ok := extract(sentence)
		if !ok {
			continue
		}
		if !logic.Satisfiable(expr) {
			return nil, compileErr(o, fmt.Sprintf("sentence %d has contradictory conditions: %s", i+1, logic.Format(expr)))
		}
		canonical := logic.CanonicalString(expr)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}

		part := len(rules) + 1
		rule := &model.CompiledRule{
			RuleID:             RuleID(o.ObligationID, o.Version, part),
			SourceObligationID: o.ObligationID,
			SourceVersion:      o.Version,
			Part:               part,
			RegulationName:     o.RegulationName,
			Article:            o.Article,
			Clause:             o.Clause,
			Jurisdiction:       o.Jurisdiction,
			Level:              o.Level,
			ParentRef:          o.ParentRef,
			Text:               sentence,
			Status:             model.RuleStatusActive,
			EffectiveAt:        o.EffectiveAt,
			Scope:              []string{o.Jurisdiction},
			CoveredSlots:       []string{model.RuleSlotKey(slot, part)},
		}
		if err := rule.SetLogic(expr); err != nil {
			return nil, compileErr(o, err.Error())
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, compileErr(o, "no actionable condition found")
	}
	return rules, nil
}

func compileErr(o *model.Obligation, reason string) error {
	return &model.CompilationError{ObligationID: o.ObligationID, Version: o.Version, Reason: reason}
}
