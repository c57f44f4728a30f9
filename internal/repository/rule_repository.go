package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// RuleRepository 编译规则仓储
type RuleRepository struct {
	*Repository
}

// NewRuleRepository 创建规则仓储
func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{Repository: NewRepository(db)}
}

// CreateBatch 批量写入规则，rule_id 已存在时跳过 (重放幂等)
func (r *RuleRepository) CreateBatch(ctx context.Context, rules []*model.CompiledRule) error {
	if len(rules) == 0 {
		return nil
	}
	err := r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "rule_id"}}, DoNothing: true}).
		CreateInBatches(rules, 100).Error
	return storageError(err)
}

// Get 按规则 ID 查询
func (r *RuleRepository) Get(ctx context.Context, ruleID string) (*model.CompiledRule, error) {
	var rule model.CompiledRule
	if err := r.DB(ctx).Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrRuleNotFound
		}
		return nil, storageError(err)
	}
	return &rule, nil
}

// ListByIDs 按规则 ID 批量查询
func (r *RuleRepository) ListByIDs(ctx context.Context, ruleIDs []string) ([]*model.CompiledRule, error) {
	if len(ruleIDs) == 0 {
		return nil, nil
	}
	var rules []*model.CompiledRule
	if err := r.DB(ctx).Where("rule_id IN ?", ruleIDs).Order("rule_id ASC").Find(&rules).Error; err != nil {
		return nil, storageError(err)
	}
	return rules, nil
}

// ListActive 全部生效规则
func (r *RuleRepository) ListActive(ctx context.Context) ([]*model.CompiledRule, error) {
	var rules []*model.CompiledRule
	err := r.DB(ctx).
		Where("status = ?", model.RuleStatusActive).
		Order("level ASC, rule_id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageError(err)
	}
	return rules, nil
}

// ListBySource 某义务版本编译出的规则
func (r *RuleRepository) ListBySource(ctx context.Context, obligationID string, version int64) ([]*model.CompiledRule, error) {
	var rules []*model.CompiledRule
	err := r.DB(ctx).
		Where("source_obligation_id = ? AND source_version = ?", obligationID, version).
		Order("part ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageError(err)
	}
	return rules, nil
}

// ListActiveBySource 某义务 (任意版本) 的生效规则
func (r *RuleRepository) ListActiveBySource(ctx context.Context, obligationID string) ([]*model.CompiledRule, error) {
	var rules []*model.CompiledRule
	err := r.DB(ctx).
		Where("source_obligation_id = ? AND status = ?", obligationID, model.RuleStatusActive).
		Order("source_version ASC, part ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageError(err)
	}
	return rules, nil
}

// ListMergedInto 被合并到 ruleID 的规则
func (r *RuleRepository) ListMergedInto(ctx context.Context, ruleID string) ([]*model.CompiledRule, error) {
	var rules []*model.CompiledRule
	err := r.DB(ctx).
		Where("merged_into = ? AND status = ?", ruleID, model.RuleStatusMergedInto).
		Order("rule_id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageError(err)
	}
	return rules, nil
}

// UpdateStatus 更新规则状态
func (r *RuleRepository) UpdateStatus(ctx context.Context, ruleID string, status model.RuleStatus, mergedInto string) error {
	result := r.DB(ctx).Model(&model.CompiledRule{}).
		Where("rule_id = ?", ruleID).
		UpdateColumns(map[string]interface{}{
			"status":      status,
			"merged_into": mergedInto,
			"updated_at":  time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return storageError(result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrRuleNotFound
	}
	return nil
}

// UpdateCoverage 更新规则覆盖的槽位与辖区范围
func (r *RuleRepository) UpdateCoverage(ctx context.Context, rule *model.CompiledRule) error {
	if err := rule.BeforeSave(nil); err != nil {
		return err
	}
	result := r.DB(ctx).Model(&model.CompiledRule{}).
		Where("rule_id = ?", rule.RuleID).
		UpdateColumns(map[string]interface{}{
			"covered_slots":      rule.CoveredJSON,
			"jurisdiction_scope": rule.ScopeJSON,
			"updated_at":         time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return storageError(result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrRuleNotFound
	}
	return nil
}

// ListHistory 分页查询规则 (含非生效状态)
func (r *RuleRepository) ListHistory(ctx context.Context, obligationID string, pagination *Pagination) ([]*model.CompiledRule, int64, error) {
	var (
		rules []*model.CompiledRule
		total int64
	)
	query := r.DB(ctx).Model(&model.CompiledRule{})
	if obligationID != "" {
		query = query.Where("source_obligation_id = ?", obligationID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	err := query.
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Order("source_version DESC, part ASC").
		Find(&rules).Error
	if err != nil {
		return nil, 0, storageError(err)
	}
	return rules, total, nil
}
