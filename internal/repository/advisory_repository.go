package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// AdvisoryRepository 重叠建议仓储
type AdvisoryRepository struct {
	*Repository
}

// NewAdvisoryRepository 创建重叠建议仓储
func NewAdvisoryRepository(db *gorm.DB) *AdvisoryRepository {
	return &AdvisoryRepository{Repository: NewRepository(db)}
}

// CreateOnce 写入建议，advisory_id 已存在时不覆盖
// 返回 true 表示本次写入了新记录
func (r *AdvisoryRepository) CreateOnce(ctx context.Context, adv *model.OverlapAdvisory) (bool, error) {
	result := r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "advisory_id"}}, DoNothing: true}).
		Create(adv)
	if result.Error != nil {
		return false, storageError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Get 按建议 ID 查询
func (r *AdvisoryRepository) Get(ctx context.Context, advisoryID string) (*model.OverlapAdvisory, error) {
	var adv model.OverlapAdvisory
	if err := r.DB(ctx).Where("advisory_id = ?", advisoryID).First(&adv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrAdvisoryNotFound
		}
		return nil, storageError(err)
	}
	return &adv, nil
}

// IsAdjudicated 建议是否已有人工裁决
func (r *AdvisoryRepository) IsAdjudicated(ctx context.Context, advisoryID string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.OverlapAdvisory{}).
		Where("supersedes = ?", advisoryID).
		Count(&count).Error
	if err != nil {
		return false, storageError(err)
	}
	return count > 0, nil
}

// AdvisoryFilter 建议查询条件
type AdvisoryFilter struct {
	RuleID      string
	PendingOnly bool
}

// List 分页查询建议 (按检测时间倒序)
func (r *AdvisoryRepository) List(ctx context.Context, filter AdvisoryFilter, pagination *Pagination) ([]*model.OverlapAdvisory, int64, error) {
	var (
		list  []*model.OverlapAdvisory
		total int64
	)
	query := r.DB(ctx).Model(&model.OverlapAdvisory{})
	if filter.RuleID != "" {
		query = query.Where("rule_a = ? OR rule_b = ?", filter.RuleID, filter.RuleID)
	}
	if filter.PendingOnly {
		query = query.
			Where("resolution = ?", model.ResolutionNoAction).
			Where("advisory_id NOT IN (?)", r.DB(ctx).Model(&model.OverlapAdvisory{}).Select("supersedes").Where("supersedes <> ''"))
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	err := query.
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Order("detected_at DESC, advisory_id ASC").
		Find(&list).Error
	if err != nil {
		return nil, 0, storageError(err)
	}
	return list, total, nil
}

// ListLinks 已处理 (合并、裁决) 建议的规则对，用于快照中的重叠关联
func (r *AdvisoryRepository) ListLinks(ctx context.Context) ([][2]string, error) {
	var list []*model.OverlapAdvisory
	err := r.DB(ctx).
		Select("rule_a", "rule_b").
		Where("resolution <> ?", model.ResolutionNoAction).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, storageError(err)
	}
	links := make([][2]string, 0, len(list))
	for _, a := range list {
		links = append(links, [2]string{a.RuleA, a.RuleB})
	}
	return links, nil
}
