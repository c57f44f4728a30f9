package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/logic"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// CaseRequest 待评估的案例
type CaseRequest struct {
	CaseID       string     `json:"case_id"`
	Jurisdiction string     `json:"jurisdiction"`
	Strategy     string     `json:"strategy,omitempty"`
	Facts        logic.Case `json:"facts"`
	OccurredAt   time.Time  `json:"occurred_at,omitempty"`
}

// RuleOutcome 单条规则的评估结果
type RuleOutcome struct {
	RuleID             string      `json:"rule_id"`
	SourceObligationID string      `json:"source_obligation_id"`
	SourceVersion      int64       `json:"source_version"`
	LogicHash          string      `json:"logic_hash"`
	Level              model.Level `json:"level"`
	Text               string      `json:"text"`
	Logic              string      `json:"logic"`
	Satisfied          bool        `json:"satisfied"`
	// Provenance 合并规则或 Union 组合规则的来源规则
	Provenance []string `json:"provenance,omitempty"`
	// Sources 来源规则的义务版本，来源不在快照中时只有规则 ID
	Sources []*RuleSource `json:"sources,omitempty"`
	// MissingFields 案例中缺失的字段，缺失的比较按不满足处理
	MissingFields []string `json:"missing_fields,omitempty"`
}

// RuleSource 组合规则的一条来源
type RuleSource struct {
	RuleID             string `json:"rule_id"`
	SourceObligationID string `json:"source_obligation_id,omitempty"`
	SourceVersion      int64  `json:"source_version,omitempty"`
	LogicHash          string `json:"logic_hash,omitempty"`
}

func ruleSources(snap *ruleset.Snapshot, r *model.CompiledRule) []*RuleSource {
	if len(r.Provenance) == 0 {
		return nil
	}
	out := make([]*RuleSource, 0, len(r.Provenance))
	for _, id := range r.Provenance {
		src := &RuleSource{RuleID: id}
		if member, ok := snap.Rule(id); ok {
			src.SourceObligationID = member.SourceObligationID
			src.SourceVersion = member.SourceVersion
			src.LogicHash = member.LogicHash
		}
		out = append(out, src)
	}
	return out
}

// CaseResult 案例评估结果
type CaseResult struct {
	CaseID         string         `json:"case_id"`
	Jurisdiction   string         `json:"jurisdiction"`
	Strategy       string         `json:"strategy"`
	SnapshotSeq    uint64         `json:"snapshot_seq"`
	SnapshotDigest string         `json:"snapshot_digest"`
	Compliant      bool           `json:"compliant"`
	Outcomes       []*RuleOutcome `json:"outcomes"`
	AuditEntryID   string         `json:"audit_entry_id,omitempty"`
}

// EvaluationService 案例评估服务接口
type EvaluationService interface {
	// Evaluate 以当前快照评估案例，并记录 CaseEvaluated 审计
	Evaluate(ctx context.Context, req *CaseRequest) (*CaseResult, error)

	// Applicable 查询辖区适用的规则
	Applicable(ctx context.Context, code, strategy string) ([]*model.CompiledRule, *ruleset.Snapshot, error)
}

// evaluationService 案例评估服务实现
type evaluationService struct {
	handler  *jurisdiction.Handler
	manager  *ruleset.Manager
	audit    AuditService
	fallback string
}

// NewEvaluationService 创建案例评估服务
// fallback 为案例未指定辖区时使用的辖区
func NewEvaluationService(handler *jurisdiction.Handler, manager *ruleset.Manager, audit AuditService, fallback string) EvaluationService {
	return &evaluationService{
		handler:  handler,
		manager:  manager,
		audit:    audit,
		fallback: jurisdiction.Normalize(fallback),
	}
}

func (s *evaluationService) strategy(raw string) (jurisdiction.Strategy, error) {
	if raw == "" {
		return s.handler.DefaultStrategy(), nil
	}
	st, err := jurisdiction.ParseStrategy(raw)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidRequest, err)
	}
	return st, nil
}

// Applicable 查询辖区适用的规则
func (s *evaluationService) Applicable(ctx context.Context, code, strategy string) ([]*model.CompiledRule, *ruleset.Snapshot, error) {
	st, err := s.strategy(strategy)
	if err != nil {
		return nil, nil, err
	}
	if code == "" {
		code = s.fallback
	}
	snap := s.manager.CurrentSnapshot()
	rules, err := s.handler.ApplicableRules(code, snap, st)
	if err != nil {
		return nil, nil, err
	}
	return rules, snap, nil
}

// Evaluate 评估案例
func (s *evaluationService) Evaluate(ctx context.Context, req *CaseRequest) (*CaseResult, error) {
	if req == nil {
		return nil, apperrors.ErrInvalidRequest.WithMessage("case is required")
	}
	if req.Facts == nil {
		return nil, apperrors.ErrInvalidRequest.WithMessage("case facts are required")
	}
	caseID := req.CaseID
	if caseID == "" {
		caseID = uuid.NewString()
	}
	code := jurisdiction.Normalize(req.Jurisdiction)
	if code == "" {
		code = s.fallback
	}
	st, err := s.strategy(req.Strategy)
	if err != nil {
		return nil, err
	}

	snap := s.manager.CurrentSnapshot()
	rules, err := s.handler.ApplicableRules(code, snap, st)
	if err != nil {
		var unknown *model.UnknownJurisdictionError
		if errors.As(err, &unknown) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	result := &CaseResult{
		CaseID:         caseID,
		Jurisdiction:   code,
		Strategy:       string(st),
		SnapshotSeq:    snap.Seq(),
		SnapshotDigest: snap.Digest(),
		Compliant:      true,
		Outcomes:       make([]*RuleOutcome, 0, len(rules)),
	}
	for _, r := range rules {
		out := &RuleOutcome{
			RuleID:             r.RuleID,
			SourceObligationID: r.SourceObligationID,
			SourceVersion:      r.SourceVersion,
			LogicHash:          r.LogicHash,
			Level:              r.Level,
			Text:               r.Text,
			Logic:              logic.Format(r.Expr),
			Satisfied:          r.Expr.Eval(req.Facts),
			Provenance:         r.Provenance,
			Sources:            ruleSources(snap, r),
		}
		for _, f := range logic.Fields(r.Expr) {
			if _, ok := req.Facts.Lookup(f); !ok {
				out.MissingFields = append(out.MissingFields, f)
			}
		}
		if !out.Satisfied {
			result.Compliant = false
		}
		result.Outcomes = append(result.Outcomes, out)
	}

	// 审计记录每条规则所用的义务版本与逻辑哈希
	outcomes := make([]map[string]interface{}, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		entry := map[string]interface{}{
			"rule_id":              o.RuleID,
			"source_obligation_id": o.SourceObligationID,
			"source_version":       o.SourceVersion,
			"logic_hash":           o.LogicHash,
			"satisfied":            o.Satisfied,
		}
		if len(o.Provenance) > 0 {
			entry["provenance"] = o.Provenance
			entry["sources"] = o.Sources
		}
		outcomes = append(outcomes, entry)
	}
	entries, err := s.audit.RecordAndPublish(ctx, &AuditRecord{
		EventType:  model.AuditCaseEvaluated,
		DedupKey:   string(model.AuditCaseEvaluated) + "|" + caseID,
		OccurredAt: req.OccurredAt,
		Payload: map[string]interface{}{
			"case_id":         caseID,
			"jurisdiction":    code,
			"strategy":        string(st),
			"snapshot_seq":    snap.Seq(),
			"snapshot_digest": snap.Digest(),
			"compliant":       result.Compliant,
			"outcomes":        outcomes,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		result.AuditEntryID = entries[0].EntryID
	}

	metrics.RecordCaseEvaluation(code, result.Compliant)
	logger.WithContext(ctx).Debug("case evaluated",
		zap.String("case_id", caseID),
		zap.String("jurisdiction", code),
		zap.Int("rules", len(rules)),
		zap.Bool("compliant", result.Compliant),
	)
	return result, nil
}
