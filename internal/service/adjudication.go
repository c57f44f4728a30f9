package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// AdjudicateRequest 人工裁决请求
type AdjudicateRequest struct {
	AdvisoryID string `json:"advisory_id"`
	KeepRuleID string `json:"keep_rule_id"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
}

// Adjudicate 人工裁决待处理的重叠建议：保留 KeepRuleID，另一条规则并入
// 原建议不修改，裁决记录为一条新的建议
func (p *Pipeline) Adjudicate(ctx context.Context, req *AdjudicateRequest) (*model.OverlapAdvisory, error) {
	if req == nil || req.AdvisoryID == "" || req.KeepRuleID == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessage("advisory id and keep rule id are required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperrors.ErrInvalidRequest.WithMessage("reason is required")
	}

	adv, err := p.advisories.Get(ctx, req.AdvisoryID)
	if err != nil {
		return nil, err
	}
	if !adv.Pending() {
		return nil, apperrors.ErrConflict.WithMessagef("advisory %s already resolved as %s", adv.AdvisoryID, adv.Resolution)
	}
	done, err := p.advisories.IsAdjudicated(ctx, adv.AdvisoryID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, apperrors.ErrConflict.WithMessagef("advisory %s already adjudicated", adv.AdvisoryID)
	}

	a, err := p.rules.Get(ctx, adv.RuleA)
	if err != nil {
		return nil, err
	}
	b, err := p.rules.Get(ctx, adv.RuleB)
	if err != nil {
		return nil, err
	}
	res, err := p.resolver.Adjudicate(adv, a, b, req.KeepRuleID, req.OperatorID, req.Reason)
	if err != nil {
		return nil, err
	}
	res.Advisory.DetectedAt = p.now().UnixMilli()

	kept := res.Kept
	o := &model.Obligation{
		ObligationID:   kept.SourceObligationID,
		Version:        kept.SourceVersion,
		RegulationName: kept.RegulationName,
		Article:        kept.Article,
		Clause:         kept.Clause,
		Jurisdiction:   kept.Jurisdiction,
	}
	entries, applied, err := p.commitResolution(ctx, o, res)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperrors.ErrConflict.WithMessagef("advisory %s already adjudicated", adv.AdvisoryID)
	}
	if err := p.apply(ctx, resolutionUpdate(res, o.ObligationID, o.Version)); err != nil {
		return nil, err
	}
	p.audit.Publish(ctx, entries)
	metrics.RecordOverlap(res.Advisory.Type.String(), res.Advisory.Resolution.String())
	logger.WithContext(ctx).Info("overlap adjudicated",
		zap.String("advisory_id", res.Advisory.AdvisoryID),
		zap.String("supersedes", adv.AdvisoryID),
		zap.String("kept_rule_id", kept.RuleID),
		zap.String("operator_id", req.OperatorID),
	)
	if err := p.publishResolution(ctx, o.ObligationID, o.Version, o.Slot().Key(), res); err != nil {
		// 裁决已提交，其他副本在下次重建快照时收敛
		logger.WithContext(ctx).Warn("publish adjudication failed",
			zap.String("advisory_id", res.Advisory.AdvisoryID),
			zap.Error(err),
		)
	}
	return res.Advisory, nil
}
