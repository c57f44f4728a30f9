package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// ReviewRepository 人工复核仓储
type ReviewRepository struct {
	*Repository
}

// NewReviewRepository 创建人工复核仓储
func NewReviewRepository(db *gorm.DB) *ReviewRepository {
	return &ReviewRepository{Repository: NewRepository(db)}
}

// CreateOnce 为义务版本创建复核项，已存在时忽略
func (r *ReviewRepository) CreateOnce(ctx context.Context, item *model.ManualReviewItem) error {
	if item.Status == 0 {
		item.Status = model.ReviewStatusPending
	}
	err := r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "obligation_id"}, {Name: "version"}},
			DoNothing: true,
		}).
		Create(item).Error
	return storageError(err)
}

// ListPending 待复核项 (按创建顺序)
func (r *ReviewRepository) ListPending(ctx context.Context, pagination *Pagination) ([]*model.ManualReviewItem, int64, error) {
	var (
		list  []*model.ManualReviewItem
		total int64
	)
	query := r.DB(ctx).Model(&model.ManualReviewItem{}).Where("status = ?", model.ReviewStatusPending)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	err := query.
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, 0, storageError(err)
	}
	return list, total, nil
}

// Resolve 标记复核项已处理
func (r *ReviewRepository) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	result := r.DB(ctx).Model(&model.ManualReviewItem{}).
		Where("id = ? AND status = ?", id, model.ReviewStatusPending).
		Updates(map[string]interface{}{
			"status":      model.ReviewStatusResolved,
			"resolved_by": resolvedBy,
			"resolved_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return storageError(result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrReviewNotFound
	}
	return nil
}
