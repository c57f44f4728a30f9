// Package service 实现义务入库、编译流水线、案例评估与审计
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/canonical"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// DefaultClockSkew 允许调用方提供的发生时间超前记录时间的最大值
const DefaultClockSkew = 5 * time.Minute

// AuditRecord 待写入的审计事件
type AuditRecord struct {
	EventType    model.AuditEventType
	ObligationID string
	Version      int64
	// DedupKey 为空时使用 (事件类型, 义务 ID, 版本)
	DedupKey   string
	OccurredAt time.Time
	Payload    interface{}
}

// AuditQuery 审计查询
type AuditQuery struct {
	From         time.Time
	To           time.Time
	EventTypes   []model.AuditEventType
	ObligationID string
	// Dedup 按去重键只保留首条记录
	Dedup    bool
	Page     int
	PageSize int
}

// AuditService 审计服务接口
type AuditService interface {
	// Record 在 ctx 所在事务中追加审计记录
	Record(ctx context.Context, records ...*AuditRecord) ([]*model.AuditEntry, error)

	// Publish 将已提交的审计记录发布到 compliance.audit，失败只记录日志
	Publish(ctx context.Context, entries []*model.AuditEntry)

	// RecordAndPublish 追加并发布
	RecordAndPublish(ctx context.Context, records ...*AuditRecord) ([]*model.AuditEntry, error)

	// Query 按发生时间与序号升序查询
	Query(ctx context.Context, q *AuditQuery) ([]*model.AuditEntry, int64, error)

	// Get 按记录 ID 查询
	Get(ctx context.Context, entryID string) (*model.AuditEntry, error)

	// Verify 重新计算完整性哈希
	Verify(entry *model.AuditEntry) bool

	// Counts 各事件类型的记录数
	Counts(ctx context.Context) (map[model.AuditEventType]int64, error)
}

// auditService 审计服务实现
type auditService struct {
	repo        *repository.AuditRepository
	publisher   *event.Publisher
	processedBy string
	skew        time.Duration
	now         func() time.Time
}

// NewAuditService 创建审计服务
// processedBy 标识写入记录的服务实例
func NewAuditService(repo *repository.AuditRepository, publisher *event.Publisher, processedBy string, skew time.Duration) AuditService {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &auditService{
		repo:        repo,
		publisher:   publisher,
		processedBy: processedBy,
		skew:        skew,
		now:         time.Now,
	}
}

// DedupKey 审计去重键
func DedupKey(eventType model.AuditEventType, obligationID string, version int64) string {
	return fmt.Sprintf("%s|%s|%d", eventType, obligationID, version)
}

// integrityInput 参与完整性哈希的字段
type integrityInput struct {
	EventType   model.AuditEventType `json:"event_type"`
	Payload     json.RawMessage      `json:"payload"`
	OccurredAt  int64                `json:"occurred_at"`
	ProcessedBy string               `json:"processed_by"`
}

func integrityHash(e *model.AuditEntry) (string, error) {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return canonical.Hash(integrityInput{
		EventType:   e.EventType,
		Payload:     payload,
		OccurredAt:  e.OccurredAt,
		ProcessedBy: e.ProcessedBy,
	})
}

func (s *auditService) build(rec *AuditRecord, recordedAt time.Time) (*model.AuditEntry, error) {
	if !rec.EventType.Valid() {
		return nil, apperrors.ErrInvalidRequest.WithMessagef("unknown audit event type %q", rec.EventType)
	}
	payload, err := canonical.Marshal(rec.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRequest, err)
	}

	occurred := rec.OccurredAt
	if occurred.IsZero() || occurred.After(recordedAt.Add(s.skew)) {
		occurred = recordedAt
	}
	dedup := rec.DedupKey
	if dedup == "" {
		dedup = DedupKey(rec.EventType, rec.ObligationID, rec.Version)
	}

	entry := &model.AuditEntry{
		EntryID:            uuid.NewString(),
		EventType:          rec.EventType,
		DedupKey:           dedup,
		SourceObligationID: rec.ObligationID,
		SourceVersion:      rec.Version,
		Payload:            datatypes.JSON(payload),
		OccurredAt:         occurred.UnixMilli(),
		RecordedAt:         recordedAt.UnixMilli(),
		ProcessedBy:        s.processedBy,
	}
	if entry.IntegrityHash, err = integrityHash(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Record 追加审计记录
func (s *auditService) Record(ctx context.Context, records ...*AuditRecord) ([]*model.AuditEntry, error) {
	if len(records) == 0 {
		return nil, nil
	}
	recordedAt := s.now()
	entries := make([]*model.AuditEntry, 0, len(records))
	for _, rec := range records {
		entry, err := s.build(rec, recordedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := s.repo.BatchAppend(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Publish 发布审计记录
func (s *auditService) Publish(ctx context.Context, entries []*model.AuditEntry) {
	for _, entry := range entries {
		obligationID := entry.SourceObligationID
		if obligationID == "" {
			obligationID = entry.EntryID
		}
		env, err := event.New(event.TypeAuditRecorded, obligationID, entry.SourceVersion, entry.DedupKey, entry.OccurredTime(), entry)
		if err == nil {
			err = s.publisher.Emit(ctx, env)
		}
		if err != nil {
			metrics.RecordAuditPublishFailure()
			logger.Warn("publish audit entry failed",
				zap.String("entry_id", entry.EntryID),
				zap.String("event_type", string(entry.EventType)),
				zap.Error(err),
			)
		}
	}
}

// RecordAndPublish 追加并发布
func (s *auditService) RecordAndPublish(ctx context.Context, records ...*AuditRecord) ([]*model.AuditEntry, error) {
	entries, err := s.Record(ctx, records...)
	if err != nil {
		return nil, err
	}
	s.Publish(ctx, entries)
	return entries, nil
}

// Query 查询审计记录
func (s *auditService) Query(ctx context.Context, q *AuditQuery) ([]*model.AuditEntry, int64, error) {
	rq := repository.AuditQuery{
		EventTypes:   q.EventTypes,
		ObligationID: q.ObligationID,
	}
	if !q.From.IsZero() {
		rq.Range.Start = q.From.UnixMilli()
	}
	if !q.To.IsZero() {
		rq.Range.End = q.To.UnixMilli()
	}
	for _, t := range q.EventTypes {
		if !t.Valid() {
			return nil, 0, apperrors.ErrInvalidRequest.WithMessagef("unknown audit event type %q", t)
		}
	}
	page := repository.NewPagination(q.Page, q.PageSize)

	if !q.Dedup {
		return s.repo.Query(ctx, rq, page)
	}

	all, _, err := s.repo.Query(ctx, rq, nil)
	if err != nil {
		return nil, 0, err
	}
	seen := make(map[string]struct{}, len(all))
	unique := make([]*model.AuditEntry, 0, len(all))
	for _, e := range all {
		if _, ok := seen[e.DedupKey]; ok {
			continue
		}
		seen[e.DedupKey] = struct{}{}
		unique = append(unique, e)
	}
	total := int64(len(unique))
	start := page.Offset()
	if start >= len(unique) {
		return []*model.AuditEntry{}, total, nil
	}
	end := start + page.Limit()
	if end > len(unique) {
		end = len(unique)
	}
	return unique[start:end], total, nil
}

// Get 按记录 ID 查询
func (s *auditService) Get(ctx context.Context, entryID string) (*model.AuditEntry, error) {
	return s.repo.GetByEntryID(ctx, entryID)
}

// Verify 校验完整性哈希
func (s *auditService) Verify(entry *model.AuditEntry) bool {
	h, err := integrityHash(entry)
	return err == nil && h == entry.IntegrityHash
}

// Counts 各事件类型的记录数
func (s *auditService) Counts(ctx context.Context) (map[model.AuditEventType]int64, error) {
	return s.repo.CountByType(ctx)
}
