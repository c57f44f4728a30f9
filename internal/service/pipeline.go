package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/compiler"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/overlap"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// PipelineDeps 流水线依赖
type PipelineDeps struct {
	Store       *repository.Repository
	Obligations *repository.ObligationRepository
	Rules       *repository.RuleRepository
	Advisories  *repository.AdvisoryRepository
	Reviews     *repository.ReviewRepository
	Compiler    *compiler.Compiler
	Resolver    *overlap.Resolver
	Manager     *ruleset.Manager
	Audit       AuditService
	Publisher   *event.Publisher
}

// Pipeline 编译流水线
// 消费 ObligationChanged：编译义务版本，在一个事务内取代旧规则并写入审计，
// 更新规则集快照，再检测并处理与现有规则的重叠
type Pipeline struct {
	store       *repository.Repository
	obligations *repository.ObligationRepository
	rules       *repository.RuleRepository
	advisories  *repository.AdvisoryRepository
	reviews     *repository.ReviewRepository
	compiler    *compiler.Compiler
	resolver    *overlap.Resolver
	manager     *ruleset.Manager
	audit       AuditService
	publisher   *event.Publisher
	now         func() time.Time
}

// NewPipeline 创建流水线
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		store:       deps.Store,
		obligations: deps.Obligations,
		rules:       deps.Rules,
		advisories:  deps.Advisories,
		reviews:     deps.Reviews,
		compiler:    deps.Compiler,
		resolver:    deps.Resolver,
		manager:     deps.Manager,
		audit:       deps.Audit,
		publisher:   deps.Publisher,
		now:         time.Now,
	}
}

// RestoredRuleID 合并规则被取代后恢复的成员规则 ID
func RestoredRuleID(ruleID, fromRuleID string) string {
	return ruleID + "_restored_from_" + fromRuleID
}

// HandleObligationChanged 处理 regulatory.updates 上的 ObligationChanged
func (p *Pipeline) HandleObligationChanged(ctx context.Context, env *event.Envelope) error {
	var payload event.ObligationChanged
	if err := env.Decode(&payload); err != nil {
		return err
	}
	return p.Process(ctx, env.SourceObligationID, env.SourceVersion)
}

// Process 编译义务版本并更新规则集，可重复调用
func (p *Pipeline) Process(ctx context.Context, obligationID string, version int64) error {
	start := p.now()
	log := logger.WithContext(ctx).With(
		zap.String("obligation_id", obligationID),
		zap.Int64("version", version),
	)

	o, err := p.obligations.GetByVersion(ctx, obligationID, version)
	if errors.Is(err, model.ErrObligationNotFound) {
		log.Warn("obligation version not stored, event dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if !o.IsEffective(start) {
		log.Info("obligation not yet effective, compile deferred", zap.Time("effective_at", o.EffectiveTime()))
		return nil
	}

	existing, err := p.rules.ListBySource(ctx, o.ObligationID, o.Version)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		metrics.RecordCompilation("replayed", 0)
		return p.replay(ctx, o, existing)
	}

	compiled, err := p.compiler.Compile(ctx, o)
	var stale *model.StaleVersionError
	if errors.As(err, &stale) {
		metrics.RecordCompilation("stale", 0)
		log.Info("stale obligation version, refetching current", zap.Int64("current", stale.Latest))
		current, cerr := p.obligations.CurrentAt(ctx, o.ObligationID, start.UnixMilli())
		if errors.Is(cerr, model.ErrObligationNotFound) {
			return nil
		}
		if cerr != nil {
			return cerr
		}
		o = current
		if existing, err = p.rules.ListBySource(ctx, o.ObligationID, o.Version); err != nil {
			return err
		}
		if len(existing) > 0 {
			return p.replay(ctx, o, existing)
		}
		compiled, err = p.compiler.Compile(ctx, o)
	}
	var compErr *model.CompilationError
	if errors.As(err, &compErr) {
		metrics.RecordCompilation("failed", 0)
		return p.reject(ctx, o, compErr)
	}
	if err != nil {
		metrics.RecordCompilation(apperrors.KindOf(err).String(), 0)
		return err
	}

	for _, r := range compiled {
		r.CompiledAt = start.UnixMilli()
	}
	update, entries, err := p.commit(ctx, o, compiled, start)
	if err != nil {
		return err
	}
	if err := p.apply(ctx, update); err != nil {
		return err
	}
	p.audit.Publish(ctx, entries)
	metrics.RecordCompilation("success", p.now().Sub(start))
	log.Info("obligation compiled",
		zap.Int("rules", len(compiled)),
		zap.Int("superseded", len(update.Retire)),
	)

	if err := p.resolveOverlaps(ctx, o, compiled); err != nil {
		return err
	}
	return p.publishCompiled(ctx, o, update.Activate, update.Retire)
}

// commit 在一个事务内取代本槽位的旧规则并写入新规则与审计
// 审计时间取编译时间 compiledAt，义务生效时间记在载荷中
func (p *Pipeline) commit(ctx context.Context, o *model.Obligation, compiled []*model.CompiledRule, compiledAt time.Time) (*ruleset.Update, []*model.AuditEntry, error) {
	update := &ruleset.Update{
		ID:           ruleset.CompiledUpdateID(o.ObligationID, o.Version),
		ObligationID: o.ObligationID,
		Version:      o.Version,
		Activate:     append([]*model.CompiledRule(nil), compiled...),
	}
	var entries []*model.AuditEntry
	prefix := o.Slot().Key() + "#"

	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		active, err := p.rules.ListActive(ctx)
		if err != nil {
			return err
		}
		var restored []*model.CompiledRule
		for _, prev := range active {
			if !coversPrefix(prev, prefix) {
				continue
			}
			if !prev.Consolidated && prev.SourceObligationID != o.ObligationID {
				// 其他义务的规则在合并时接管了本槽位
				narrowed := prev.Clone()
				narrowed.CoveredSlots = withoutPrefix(prev.CoveredSlots, prefix)
				if err := p.rules.UpdateCoverage(ctx, narrowed); err != nil {
					return err
				}
				update.Activate = append(update.Activate, narrowed)
				continue
			}
			if err := p.rules.UpdateStatus(ctx, prev.RuleID, model.RuleStatusSuperseded, ""); err != nil {
				return err
			}
			update.Retire = append(update.Retire, prev.RuleID)
			back, err := p.restoreMembers(ctx, prev, o.ObligationID, prefix)
			if err != nil {
				return err
			}
			restored = append(restored, back...)
		}

		if err := p.rules.CreateBatch(ctx, append(append([]*model.CompiledRule(nil), compiled...), restored...)); err != nil {
			return err
		}
		update.Activate = append(update.Activate, restored...)

		records := []*AuditRecord{{
			EventType:    model.AuditRuleCompiled,
			ObligationID: o.ObligationID,
			Version:      o.Version,
			OccurredAt:   compiledAt,
			Payload: map[string]interface{}{
				"rules":        event.Summarize(compiled),
				"superseded":   update.Retire,
				"restored":     ruleIDs(restored),
				"effective_at": o.EffectiveAt,
			},
		}}
		if len(update.Retire) > 0 {
			records = append(records, &AuditRecord{
				EventType:    model.AuditRuleSuperseded,
				ObligationID: o.ObligationID,
				Version:      o.Version,
				OccurredAt:   compiledAt,
				Payload: map[string]interface{}{
					"superseded":    update.Retire,
					"superseded_by": ruleIDs(compiled),
					"effective_at":  o.EffectiveAt,
				},
			})
		}
		entries, err = p.audit.Record(ctx, records...)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return update, entries, nil
}

// restoreMembers 恢复被合并到 prev 的其他义务规则，只保留 prev 仍覆盖且不属于本槽位的部分
func (p *Pipeline) restoreMembers(ctx context.Context, prev *model.CompiledRule, obligationID, prefix string) ([]*model.CompiledRule, error) {
	members, err := p.rules.ListMergedInto(ctx, prev.RuleID)
	if err != nil {
		return nil, err
	}
	var out []*model.CompiledRule
	for _, m := range members {
		if m.SourceObligationID == obligationID {
			continue
		}
		var slots []string
		for _, s := range withoutPrefix(m.CoveredSlots, prefix) {
			if prev.Covers(s) {
				slots = append(slots, s)
			}
		}
		if len(slots) == 0 {
			continue
		}
		r := m.Clone()
		r.ID = 0
		r.CreatedAt = 0
		r.UpdatedAt = 0
		r.RuleID = RestoredRuleID(m.RuleID, prev.RuleID)
		r.Status = model.RuleStatusActive
		r.MergedInto = ""
		r.CoveredSlots = slots
		r.Provenance = []string{m.RuleID}
		r.CompiledAt = p.now().UnixMilli()
		out = append(out, r)
	}
	return out, nil
}

// reject 无法编译的义务进入人工复核，消息正常提交
func (p *Pipeline) reject(ctx context.Context, o *model.Obligation, compErr *model.CompilationError) error {
	var entries []*model.AuditEntry
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		if err := p.reviews.CreateOnce(ctx, &model.ManualReviewItem{
			ObligationID: o.ObligationID,
			Version:      o.Version,
			Reason:       compErr.Reason,
		}); err != nil {
			return err
		}
		var err error
		entries, err = p.audit.Record(ctx, &AuditRecord{
			EventType:    model.AuditCompilationFailed,
			ObligationID: o.ObligationID,
			Version:      o.Version,
			Payload: map[string]interface{}{
				"reason": compErr.Reason,
				"slot":   o.Slot().Key(),
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	p.audit.Publish(ctx, entries)
	logger.Warn("obligation sent to manual review",
		zap.String("obligation_id", o.ObligationID),
		zap.Int64("version", o.Version),
		zap.String("reason", compErr.Reason),
	)
	return nil
}

// replay 已编译过的版本：以存储为准重建快照，补做重叠处理与事件发布
func (p *Pipeline) replay(ctx context.Context, o *model.Obligation, existing []*model.CompiledRule) error {
	if err := p.Reload(ctx); err != nil {
		return err
	}
	var active []*model.CompiledRule
	for _, r := range existing {
		if r.IsActive() {
			active = append(active, r)
		}
	}
	if err := p.resolveOverlaps(ctx, o, active); err != nil {
		return err
	}
	return p.publishCompiled(ctx, o, active, nil)
}

// Reload 从存储重建规则集快照
func (p *Pipeline) Reload(ctx context.Context) error {
	rules, err := p.rules.ListActive(ctx)
	if err != nil {
		return err
	}
	links, err := p.advisories.ListLinks(ctx)
	if err != nil {
		return err
	}
	return p.manager.Replace(ctx, rules, links)
}

func (p *Pipeline) apply(ctx context.Context, u *ruleset.Update) error {
	result, err := p.manager.ApplyUpdate(ctx, u)
	if err != nil {
		return err
	}
	metrics.RecordRuleUpdate(result.String())
	return nil
}

// resolveOverlaps 对每条新规则检测重叠，只自动处理相似度最高的一条，其余记录待复核
func (p *Pipeline) resolveOverlaps(ctx context.Context, o *model.Obligation, rules []*model.CompiledRule) error {
	for _, r := range rules {
		snap := p.manager.CurrentSnapshot()
		cur, ok := snap.Rule(r.RuleID)
		if !ok {
			continue
		}
		advisories := p.resolver.Detect(cur, snap.Rules())
		detectedAt := p.now().UnixMilli()
		for i, adv := range advisories {
			adv.DetectedAt = detectedAt
			if i == 0 {
				other, _ := snap.Rule(adv.RuleB)
				if err := p.resolve(ctx, o, adv, cur, other); err != nil {
					return err
				}
				continue
			}
			adv.Reason = "lower ranked overlap recorded for review"
			created, err := p.advisories.CreateOnce(ctx, adv)
			if err != nil {
				return err
			}
			if created {
				metrics.RecordOverlap(adv.Type.String(), adv.Resolution.String())
			}
		}
	}
	return nil
}

func (p *Pipeline) resolve(ctx context.Context, o *model.Obligation, adv *model.OverlapAdvisory, a, b *model.CompiledRule) error {
	if _, err := p.advisories.Get(ctx, adv.AdvisoryID); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrAdvisoryNotFound) {
		return err
	}

	res, err := p.resolver.Resolve(adv, a, b)
	var unresolvable *model.UnresolvableOverlapError
	if errors.As(err, &unresolvable) {
		return p.recordUnresolved(ctx, o, res.Advisory)
	}
	if err != nil {
		return err
	}
	if !res.Changed() {
		created, err := p.advisories.CreateOnce(ctx, res.Advisory)
		if err != nil {
			return err
		}
		if created {
			metrics.RecordOverlap(res.Advisory.Type.String(), res.Advisory.Resolution.String())
		}
		return nil
	}

	entries, applied, err := p.commitResolution(ctx, o, res)
	if err != nil || !applied {
		return err
	}
	update := resolutionUpdate(res, o.ObligationID, o.Version)
	if err := p.apply(ctx, update); err != nil {
		return err
	}
	p.audit.Publish(ctx, entries)
	metrics.RecordOverlap(res.Advisory.Type.String(), res.Advisory.Resolution.String())
	logger.Info("overlap resolved",
		zap.String("advisory_id", res.Advisory.AdvisoryID),
		zap.String("type", res.Advisory.Type.String()),
		zap.String("resolution", res.Advisory.Resolution.String()),
		zap.String("kept_rule_id", res.Kept.RuleID),
	)
	return p.publishResolution(ctx, o.ObligationID, o.Version, o.Slot().Key(), res)
}

// commitResolution 在一个事务内写入建议、更新规则状态并记录审计
// 建议已存在时返回 applied=false
func (p *Pipeline) commitResolution(ctx context.Context, o *model.Obligation, res *overlap.Resolution) ([]*model.AuditEntry, bool, error) {
	var (
		entries []*model.AuditEntry
		applied bool
	)
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		created, err := p.advisories.CreateOnce(ctx, res.Advisory)
		if err != nil || !created {
			return err
		}
		for _, r := range res.Retired {
			if err := p.rules.UpdateStatus(ctx, r.RuleID, model.RuleStatusMergedInto, r.MergedInto); err != nil {
				return err
			}
		}
		if res.Created != nil {
			res.Created.CompiledAt = p.now().UnixMilli()
			err = p.rules.CreateBatch(ctx, []*model.CompiledRule{res.Created})
		} else {
			err = p.rules.UpdateCoverage(ctx, res.Kept)
		}
		if err != nil {
			return err
		}

		adv := res.Advisory
		payload := map[string]interface{}{
			"advisory_id":    adv.AdvisoryID,
			"rule_a":         adv.RuleA,
			"rule_b":         adv.RuleB,
			"overlap_type":   adv.Type.String(),
			"similarity":     adv.Similarity,
			"resolution":     adv.Resolution.String(),
			"kept_rule_id":   res.Kept.RuleID,
			"merged_rule_id": adv.MergedRuleID,
			"operator_id":    adv.OperatorID,
			"retired":        ruleIDs(res.Retired),
		}
		records := []*AuditRecord{{
			EventType:    model.AuditOverlapConsolidated,
			ObligationID: o.ObligationID,
			Version:      o.Version,
			DedupKey:     string(model.AuditOverlapConsolidated) + "|" + adv.AdvisoryID,
			Payload:      payload,
		}}
		if adv.Supersedes != "" {
			records = append(records, &AuditRecord{
				EventType:    model.AuditOverlapAdjudicated,
				ObligationID: o.ObligationID,
				Version:      o.Version,
				DedupKey:     string(model.AuditOverlapAdjudicated) + "|" + adv.AdvisoryID,
				Payload: map[string]interface{}{
					"advisory_id":  adv.AdvisoryID,
					"supersedes":   adv.Supersedes,
					"kept_rule_id": res.Kept.RuleID,
					"operator_id":  adv.OperatorID,
					"reason":       adv.Reason,
				},
			})
		}
		entries, err = p.audit.Record(ctx, records...)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entries, applied, nil
}

// recordUnresolved 互斥条件无法合并：建议以 NoAction 记录一次
func (p *Pipeline) recordUnresolved(ctx context.Context, o *model.Obligation, adv *model.OverlapAdvisory) error {
	var entries []*model.AuditEntry
	err := p.store.Transaction(ctx, func(ctx context.Context) error {
		created, err := p.advisories.CreateOnce(ctx, adv)
		if err != nil || !created {
			return err
		}
		entries, err = p.audit.Record(ctx, &AuditRecord{
			EventType:    model.AuditOverlapUnresolved,
			ObligationID: o.ObligationID,
			Version:      o.Version,
			DedupKey:     string(model.AuditOverlapUnresolved) + "|" + adv.AdvisoryID,
			Payload: map[string]interface{}{
				"advisory_id": adv.AdvisoryID,
				"rule_a":      adv.RuleA,
				"rule_b":      adv.RuleB,
				"reason":      adv.Reason,
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		metrics.RecordOverlap(adv.Type.String(), adv.Resolution.String())
		logger.Warn("overlap cannot be resolved automatically",
			zap.String("advisory_id", adv.AdvisoryID),
			zap.String("reason", adv.Reason),
		)
	}
	p.audit.Publish(ctx, entries)
	return nil
}

func resolutionUpdate(res *overlap.Resolution, obligationID string, version int64) *ruleset.Update {
	return &ruleset.Update{
		ID:           ruleset.ConsolidatedUpdateID(res.Advisory.AdvisoryID),
		ObligationID: obligationID,
		Version:      version,
		Activate:     []*model.CompiledRule{res.Kept},
		Retire:       ruleIDs(res.Retired),
		Links:        [][2]string{{res.Advisory.RuleA, res.Advisory.RuleB}},
	}
}

func (p *Pipeline) publishCompiled(ctx context.Context, o *model.Obligation, activated []*model.CompiledRule, superseded []string) error {
	env, err := event.New(event.TypeRuleCompiled, o.ObligationID, o.Version, o.Slot().Key(), p.now(), &event.RuleCompiled{
		ObligationID: o.ObligationID,
		Version:      o.Version,
		Rules:        event.Summarize(activated),
		Superseded:   superseded,
		CompiledAt:   p.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return p.publisher.Emit(ctx, env)
}

func (p *Pipeline) publishResolution(ctx context.Context, obligationID string, version int64, key string, res *overlap.Resolution) error {
	adv := res.Advisory
	env, err := event.New(event.TypeOverlapConsolidated, obligationID, version, key, p.now(), &event.OverlapConsolidated{
		AdvisoryID:   adv.AdvisoryID,
		RuleA:        adv.RuleA,
		RuleB:        adv.RuleB,
		Resolution:   adv.Resolution.String(),
		KeptRuleID:   res.Kept.RuleID,
		MergedRuleID: adv.MergedRuleID,
		OperatorID:   adv.OperatorID,
		Activated:    []string{res.Kept.RuleID},
		Retired:      ruleIDs(res.Retired),
	})
	if err != nil {
		return err
	}
	return p.publisher.Emit(ctx, env)
}

// HandleRuleCompiled 其他副本发布的编译结果：按存储中的规则更新本地快照
func (p *Pipeline) HandleRuleCompiled(ctx context.Context, env *event.Envelope) error {
	var payload event.RuleCompiled
	if err := env.Decode(&payload); err != nil {
		return err
	}
	rules, err := p.activeByIDs(ctx, payload.RuleIDs())
	if err != nil {
		return err
	}
	return p.apply(ctx, &ruleset.Update{
		ID:           ruleset.CompiledUpdateID(env.SourceObligationID, env.SourceVersion),
		ObligationID: env.SourceObligationID,
		Version:      env.SourceVersion,
		Activate:     rules,
		Retire:       payload.Superseded,
	})
}

// HandleOverlapConsolidated 其他副本发布的重叠处理结果
func (p *Pipeline) HandleOverlapConsolidated(ctx context.Context, env *event.Envelope) error {
	var payload event.OverlapConsolidated
	if err := env.Decode(&payload); err != nil {
		return err
	}
	rules, err := p.activeByIDs(ctx, payload.Activated)
	if err != nil {
		return err
	}
	return p.apply(ctx, &ruleset.Update{
		ID:           ruleset.ConsolidatedUpdateID(payload.AdvisoryID),
		ObligationID: env.SourceObligationID,
		Version:      env.SourceVersion,
		Activate:     rules,
		Retire:       payload.Retired,
		Links:        [][2]string{{payload.RuleA, payload.RuleB}},
	})
}

// Routes 注册流水线的事件处理函数
func (p *Pipeline) Routes(r *event.Router) {
	r.Register(event.TypeObligationChanged, p.HandleObligationChanged)
	r.Register(event.TypeRuleCompiled, p.HandleRuleCompiled)
	r.Register(event.TypeOverlapConsolidated, p.HandleOverlapConsolidated)
}

func (p *Pipeline) activeByIDs(ctx context.Context, ids []string) ([]*model.CompiledRule, error) {
	rules, err := p.rules.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := rules[:0]
	for _, r := range rules {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func coversPrefix(r *model.CompiledRule, prefix string) bool {
	for _, s := range r.CoveredSlots {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func withoutPrefix(slots []string, prefix string) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if !strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

func ruleIDs(rules []*model.CompiledRule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.RuleID
	}
	return ids
}
