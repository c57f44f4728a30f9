package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/cache"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// SnapshotSource 当前规则集快照
type SnapshotSource interface {
	CurrentSnapshot() *ruleset.Snapshot
}

// ApplicableRules 辖区适用规则查询
type ApplicableRules interface {
	Applicable(ctx context.Context, code, strategy string) ([]*model.CompiledRule, *ruleset.Snapshot, error)
}

// SnapshotReader 缓存中的快照读模型
type SnapshotReader interface {
	Meta(ctx context.Context) (*cache.SnapshotMeta, error)
	RulesFor(ctx context.Context, code string) ([]*cache.CachedRule, error)
}

// RuleView 规则响应
type RuleView struct {
	RuleID         string          `json:"rule_id"`
	RegulationName string          `json:"regulation_name"`
	Article        string          `json:"article"`
	Clause         string          `json:"clause"`
	Jurisdiction   string          `json:"jurisdiction"`
	Level          model.Level     `json:"level"`
	Text           string          `json:"text"`
	Logic          json.RawMessage `json:"logic"`
	LogicText      string          `json:"logic_text"`
	LogicHash      string          `json:"logic_hash"`
	Scope          []string        `json:"jurisdiction_scope"`
	CoveredSlots   []string        `json:"covered_slots,omitempty"`
	Provenance     []string        `json:"provenance,omitempty"`
	Consolidated   bool            `json:"consolidated"`
	SourceVersion  int64           `json:"source_version"`
	EffectiveAt    int64           `json:"effective_at"`
}

func newRuleView(r *model.CompiledRule) *RuleView {
	v := &RuleView{
		RuleID:         r.RuleID,
		RegulationName: r.RegulationName,
		Article:        r.Article,
		Clause:         r.Clause,
		Jurisdiction:   r.Jurisdiction,
		Level:          r.Level,
		Text:           r.Text,
		Logic:          json.RawMessage(r.LogicJSON),
		LogicHash:      r.LogicHash,
		Scope:          r.Scope,
		CoveredSlots:   r.CoveredSlots,
		Provenance:     r.Provenance,
		Consolidated:   r.Consolidated,
		SourceVersion:  r.SourceVersion,
		EffectiveAt:    r.EffectiveAt,
	}
	if r.Expr != nil {
		v.LogicText = logic.Format(r.Expr)
		if len(v.Logic) == 0 {
			v.Logic, _ = logic.Marshal(r.Expr)
		}
	}
	return v
}

func newRuleViews(rules []*model.CompiledRule) []*RuleView {
	out := make([]*RuleView, 0, len(rules))
	for _, r := range rules {
		out = append(out, newRuleView(r))
	}
	return out
}

// SnapshotView 快照元数据响应
type SnapshotView struct {
	Seq           uint64      `json:"seq"`
	Digest        string      `json:"digest"`
	BuiltAt       int64       `json:"built_at"`
	Rules         int         `json:"rules"`
	Jurisdictions []string    `json:"jurisdictions"`
	Links         [][2]string `json:"links"`
}

// ApplicableView 辖区适用规则响应
type ApplicableView struct {
	Jurisdiction   string      `json:"jurisdiction"`
	Strategy       string      `json:"strategy"`
	SnapshotSeq    uint64      `json:"snapshot_seq"`
	SnapshotDigest string      `json:"snapshot_digest"`
	Rules          []*RuleView `json:"rules"`
}

// RuleHandler 规则集只读查询处理器
type RuleHandler struct {
	snapshots  SnapshotSource
	applicable ApplicableRules
	cache      SnapshotReader
	strategy   jurisdiction.Strategy
}

// NewRuleHandler 创建规则处理器，cache 可为空
func NewRuleHandler(snapshots SnapshotSource, applicable ApplicableRules, cache SnapshotReader, defaultStrategy jurisdiction.Strategy) *RuleHandler {
	return &RuleHandler{
		snapshots:  snapshots,
		applicable: applicable,
		cache:      cache,
		strategy:   defaultStrategy,
	}
}

// Snapshot 当前快照元数据
// GET /api/v1/rules/snapshot
func (h *RuleHandler) Snapshot(c *gin.Context) {
	snap := h.snapshots.CurrentSnapshot()
	view := &SnapshotView{
		Seq:           snap.Seq(),
		Digest:        snap.Digest(),
		Rules:         snap.Size(),
		Jurisdictions: snap.Jurisdictions(),
		Links:         snap.Links(),
	}
	if !snap.BuiltAt().IsZero() {
		view.BuiltAt = snap.BuiltAt().UnixMilli()
	}
	Success(c, view)
}

// ListRules 查询适用规则
// GET /api/v1/rules?jurisdiction=DE&strategy=union
// 未指定辖区时返回全部生效规则
func (h *RuleHandler) ListRules(c *gin.Context) {
	code := c.Query("jurisdiction")
	if code == "" {
		snap := h.snapshots.CurrentSnapshot()
		Success(c, &ApplicableView{
			SnapshotSeq:    snap.Seq(),
			SnapshotDigest: snap.Digest(),
			Rules:          newRuleViews(snap.Rules()),
		})
		return
	}

	rules, snap, err := h.applicable.Applicable(c.Request.Context(), code, c.Query("strategy"))
	if err != nil {
		Error(c, err)
		return
	}
	strategy := c.Query("strategy")
	if st, err := jurisdiction.ParseStrategy(strategy); err == nil {
		strategy = string(st)
	} else {
		strategy = string(h.strategy)
	}
	Success(c, &ApplicableView{
		Jurisdiction:   jurisdiction.Normalize(code),
		Strategy:       strategy,
		SnapshotSeq:    snap.Seq(),
		SnapshotDigest: snap.Digest(),
		Rules:          newRuleViews(rules),
	})
}

// GetRule 查询生效规则
// GET /api/v1/rules/:id
func (h *RuleHandler) GetRule(c *gin.Context) {
	rule, ok := h.snapshots.CurrentSnapshot().Rule(c.Param("id"))
	if !ok {
		Error(c, model.ErrRuleNotFound)
		return
	}
	Success(c, newRuleView(rule))
}

// CachedRules 查询缓存中辖区直接适用的规则
// GET /api/v1/rules/cache/:jurisdiction
func (h *RuleHandler) CachedRules(c *gin.Context) {
	if h.cache == nil {
		Error(c, apperrors.ErrServiceUnavailable.WithMessage("snapshot cache disabled"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	meta, err := h.cache.Meta(ctx)
	if err != nil {
		Error(c, apperrors.Wrap(apperrors.ErrServiceUnavailable, err))
		return
	}
	if meta == nil {
		Error(c, apperrors.ErrNotFound.WithMessage("snapshot not cached"))
		return
	}
	rules, err := h.cache.RulesFor(ctx, jurisdiction.Normalize(c.Param("jurisdiction")))
	if err != nil {
		Error(c, apperrors.Wrap(apperrors.ErrServiceUnavailable, err))
		return
	}
	if rules == nil {
		rules = []*cache.CachedRule{}
	}
	Success(c, gin.H{
		"snapshot": meta,
		"rules":    rules,
	})
}
