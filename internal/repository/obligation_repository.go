package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// ObligationRepository 义务仓储 (只追加)
type ObligationRepository struct {
	*Repository
}

// NewObligationRepository 创建义务仓储
func NewObligationRepository(db *gorm.DB) *ObligationRepository {
	return &ObligationRepository{Repository: NewRepository(db)}
}

// Create 写入新版本
// (obligation_id, version) 唯一，并发写同一版本时仅一方成功，另一方返回 ErrVersionConflict
func (r *ObligationRepository) Create(ctx context.Context, o *model.Obligation) error {
	if err := r.DB(ctx).Create(o).Error; err != nil {
		if isDuplicateKeyError(err) {
			return apperrors.Wrapf(model.ErrVersionConflict, err, "%s v%d", o.ObligationID, o.Version)
		}
		return storageError(err)
	}
	return nil
}

// GetByVersion 按版本查询
func (r *ObligationRepository) GetByVersion(ctx context.Context, obligationID string, version int64) (*model.Obligation, error) {
	var o model.Obligation
	err := r.DB(ctx).
		Where("obligation_id = ? AND version = ?", obligationID, version).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrObligationNotFound
		}
		return nil, storageError(err)
	}
	return &o, nil
}

// Exists 义务版本是否存在
func (r *ObligationRepository) Exists(ctx context.Context, obligationID string, version int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Obligation{}).
		Where("obligation_id = ? AND version = ?", obligationID, version).
		Count(&count).Error
	if err != nil {
		return false, storageError(err)
	}
	return count > 0, nil
}

// Latest 槽位最新版本 (不论是否生效)
func (r *ObligationRepository) Latest(ctx context.Context, obligationID string) (*model.Obligation, error) {
	var o model.Obligation
	err := r.DB(ctx).
		Where("obligation_id = ?", obligationID).
		Order("version DESC").
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrObligationNotFound
		}
		return nil, storageError(err)
	}
	return &o, nil
}

// CurrentVersion at (毫秒) 时刻生效的最大版本号，不存在时返回 0
func (r *ObligationRepository) CurrentVersion(ctx context.Context, obligationID string, at int64) (int64, error) {
	var version int64
	err := r.DB(ctx).Model(&model.Obligation{}).
		Where("obligation_id = ? AND effective_at <= ?", obligationID, at).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	if err != nil {
		return 0, storageError(err)
	}
	return version, nil
}

// CurrentAt 在 at (毫秒) 时刻生效的版本：effective_at <= at 的最大版本
func (r *ObligationRepository) CurrentAt(ctx context.Context, obligationID string, at int64) (*model.Obligation, error) {
	var o model.Obligation
	err := r.DB(ctx).
		Where("obligation_id = ? AND effective_at <= ?", obligationID, at).
		Order("version DESC").
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrObligationNotFound
		}
		return nil, storageError(err)
	}
	return &o, nil
}

// ListVersions 槽位全部版本 (升序)
func (r *ObligationRepository) ListVersions(ctx context.Context, obligationID string) ([]*model.Obligation, error) {
	var list []*model.Obligation
	err := r.DB(ctx).
		Where("obligation_id = ?", obligationID).
		Order("version ASC").
		Find(&list).Error
	if err != nil {
		return nil, storageError(err)
	}
	return list, nil
}

// ListBecameEffective 在 (from, to] 区间内生效的版本
func (r *ObligationRepository) ListBecameEffective(ctx context.Context, from, to int64) ([]*model.Obligation, error) {
	var list []*model.Obligation
	err := r.DB(ctx).
		Where("effective_at > ? AND effective_at <= ?", from, to).
		Order("effective_at ASC, obligation_id ASC, version ASC").
		Find(&list).Error
	if err != nil {
		return nil, storageError(err)
	}
	return list, nil
}

// List 分页查询，jurisdiction 为空时返回全部辖区
func (r *ObligationRepository) List(ctx context.Context, jurisdiction string, pagination *Pagination) ([]*model.Obligation, int64, error) {
	var (
		list  []*model.Obligation
		total int64
	)
	query := r.DB(ctx).Model(&model.Obligation{})
	if jurisdiction != "" {
		query = query.Where("jurisdiction = ?", jurisdiction)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	err := query.
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Order("regulation_name ASC, article ASC, clause ASC, version DESC").
		Find(&list).Error
	if err != nil {
		return nil, 0, storageError(err)
	}
	return list, total, nil
}
