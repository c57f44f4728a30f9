package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
)

// DeadLetterRepository 死信消息仓储
type DeadLetterRepository struct {
	*Repository
}

// NewDeadLetterRepository 创建死信仓储
func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{Repository: NewRepository(db)}
}

// Save 保存死信，同一 (topic, partition, offset) 重复写入时忽略
func (r *DeadLetterRepository) Save(ctx context.Context, msg *model.DeadLetterMessage) error {
	err := r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "topic"}, {Name: "partition"}, {Name: "msg_offset"}},
			DoNothing: true,
		}).
		Create(msg).Error
	return storageError(err)
}

// List 分页查询死信 (按失败时间倒序)
func (r *DeadLetterRepository) List(ctx context.Context, topic string, pagination *Pagination) ([]*model.DeadLetterMessage, int64, error) {
	var (
		list  []*model.DeadLetterMessage
		total int64
	)
	query := r.DB(ctx).Model(&model.DeadLetterMessage{})
	if topic != "" {
		query = query.Where("topic = ?", topic)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	err := query.
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Order("failed_at DESC, id DESC").
		Find(&list).Error
	if err != nil {
		return nil, 0, storageError(err)
	}
	return list, total, nil
}
