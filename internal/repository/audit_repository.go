package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// AuditRepository 审计记录仓储 (只追加)
type AuditRepository struct {
	*Repository
}

// NewAuditRepository 创建审计仓储
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{Repository: NewRepository(db)}
}

// Append 追加审计记录，Sequence 由数据库分配
func (r *AuditRepository) Append(ctx context.Context, entry *model.AuditEntry) error {
	return storageError(r.DB(ctx).Create(entry).Error)
}

// BatchAppend 批量追加
func (r *AuditRepository) BatchAppend(ctx context.Context, entries []*model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return storageError(r.DB(ctx).CreateInBatches(entries, 100).Error)
}

// GetByEntryID 按记录 ID 查询
func (r *AuditRepository) GetByEntryID(ctx context.Context, entryID string) (*model.AuditEntry, error) {
	var entry model.AuditEntry
	if err := r.DB(ctx).Where("entry_id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, storageError(err)
	}
	return &entry, nil
}

// AuditQuery 审计查询条件
type AuditQuery struct {
	Range        TimeRange
	EventTypes   []model.AuditEventType
	ObligationID string
}

// Query 按发生时间、序号升序返回审计记录
func (r *AuditRepository) Query(ctx context.Context, q AuditQuery, pagination *Pagination) ([]*model.AuditEntry, int64, error) {
	var (
		entries []*model.AuditEntry
		total   int64
	)
	query := q.Range.Apply(r.DB(ctx).Model(&model.AuditEntry{}), "occurred_at")
	if len(q.EventTypes) > 0 {
		query = query.Where("event_type IN ?", q.EventTypes)
	}
	if q.ObligationID != "" {
		query = query.Where("source_obligation_id = ?", q.ObligationID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageError(err)
	}
	if pagination != nil {
		query = query.Offset(pagination.Offset()).Limit(pagination.Limit())
	}
	if err := query.Order("occurred_at ASC, sequence ASC").Find(&entries).Error; err != nil {
		return nil, 0, storageError(err)
	}
	return entries, total, nil
}

// CountByType 每种事件的记录数
func (r *AuditRepository) CountByType(ctx context.Context) (map[model.AuditEventType]int64, error) {
	var rows []struct {
		EventType model.AuditEventType
		Count     int64
	}
	err := r.DB(ctx).Model(&model.AuditEntry{}).
		Select("event_type, COUNT(*) AS count").
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, storageError(err)
	}
	out := make(map[model.AuditEventType]int64, len(rows))
	for _, row := range rows {
		out[row.EventType] = row.Count
	}
	return out, nil
}
