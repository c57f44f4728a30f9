package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/canonical"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// FeedObligation 监管源抓取到的义务
type FeedObligation struct {
	RegulationName  string      `json:"regulation_name"`
	Article         string      `json:"article"`
	Clause          string      `json:"clause"`
	Jurisdiction    string      `json:"jurisdiction"`
	Level           model.Level `json:"level"`
	ParentRef       string      `json:"parent_ref,omitempty"`
	EffectiveAt     time.Time   `json:"effective_at"`
	Content         string      `json:"content"`
	SourcePublisher string      `json:"source_publisher"`
	SourceURL       string      `json:"source_url"`
}

// Slot 义务槽位
func (f *FeedObligation) Slot() model.Slot {
	return model.Slot{
		RegulationName: strings.TrimSpace(f.RegulationName),
		Article:        strings.TrimSpace(f.Article),
		Clause:         strings.TrimSpace(f.Clause),
		Jurisdiction:   jurisdiction.Normalize(f.Jurisdiction),
	}
}

// IngestResult 入库结果
type IngestResult struct {
	Obligation *model.Obligation
	// Created 写入了新版本
	Created bool
	// Deferred 新版本尚未生效，等待生效任务发布
	Deferred bool
}

// ObligationService 义务服务接口
type ObligationService interface {
	// Ingest 写入义务新版本
	// 内容哈希与最新版本相同且未设置 force 时不写入、不发布事件
	Ingest(ctx context.Context, feed *FeedObligation, force bool) (*IngestResult, error)

	// Get 查询指定版本
	Get(ctx context.Context, obligationID string, version int64) (*model.Obligation, error)

	// Current 查询 at 时刻生效的版本
	Current(ctx context.Context, obligationID string, at time.Time) (*model.Obligation, error)

	// Versions 查询槽位全部版本
	Versions(ctx context.Context, obligationID string) ([]*model.Obligation, error)

	// List 分页查询
	List(ctx context.Context, jurisdiction string, page, pageSize int) ([]*model.Obligation, int64, error)

	// ActivateDue 为 (from, to] 之间生效的版本发布 ObligationChanged
	ActivateDue(ctx context.Context, from, to time.Time) (int, error)
}

// obligationService 义务服务实现
type obligationService struct {
	repo      *repository.ObligationRepository
	hierarchy *jurisdiction.Hierarchy
	publisher *event.Publisher
	now       func() time.Time
}

// NewObligationService 创建义务服务
func NewObligationService(repo *repository.ObligationRepository, hierarchy *jurisdiction.Hierarchy, publisher *event.Publisher) ObligationService {
	return &obligationService{
		repo:      repo,
		hierarchy: hierarchy,
		publisher: publisher,
		now:       time.Now,
	}
}

// contentHashInput 参与内容哈希的字段
type contentHashInput struct {
	Content     string      `json:"content"`
	Level       model.Level `json:"level"`
	ParentRef   string      `json:"parent_ref"`
	EffectiveAt int64       `json:"effective_at"`
}

// ContentHash 义务内容哈希 (空白归一化后)
func ContentHash(content string, level model.Level, parentRef string, effectiveAt int64) string {
	return canonical.MustHash(contentHashInput{
		Content:     strings.Join(strings.Fields(content), " "),
		Level:       level,
		ParentRef:   strings.TrimSpace(parentRef),
		EffectiveAt: effectiveAt,
	})
}

func (s *obligationService) validate(feed *FeedObligation) error {
	if feed == nil {
		return apperrors.ErrInvalidRequest.WithMessage("obligation is required")
	}
	slot := feed.Slot()
	if slot.RegulationName == "" || slot.Article == "" || slot.Jurisdiction == "" {
		return apperrors.ErrInvalidRequest.WithMessage("regulation name, article and jurisdiction are required")
	}
	if !feed.Level.Valid() {
		return apperrors.ErrInvalidRequest.WithMessagef("invalid level %d", feed.Level)
	}
	if !s.hierarchy.Known(slot.Jurisdiction) {
		return &model.UnknownJurisdictionError{Code: slot.Jurisdiction}
	}
	return nil
}

// Ingest 写入义务新版本
func (s *obligationService) Ingest(ctx context.Context, feed *FeedObligation, force bool) (*IngestResult, error) {
	if err := s.validate(feed); err != nil {
		return nil, err
	}
	slot := feed.Slot()
	obligationID := slot.ObligationID()
	now := s.now()

	latest, err := s.repo.Latest(ctx, obligationID)
	if err != nil && !errors.Is(err, model.ErrObligationNotFound) {
		return nil, err
	}

	// 未给出生效日期时按最新版本的生效日期比较内容，新版本从现在生效
	effectiveAt := feed.EffectiveAt
	if effectiveAt.IsZero() && latest != nil {
		effectiveAt = latest.EffectiveTime()
	}
	hash := ContentHash(feed.Content, feed.Level, feed.ParentRef, effectiveAt.UnixMilli())

	var version int64 = 1
	if latest != nil {
		if latest.ContentHash == hash && !force {
			metrics.RecordIngest("unchanged")
			logger.Debug("obligation unchanged",
				zap.String("obligation_id", obligationID),
				zap.Int64("version", latest.Version),
			)
			return &IngestResult{Obligation: latest}, nil
		}
		version = latest.Version + 1
	}
	if feed.EffectiveAt.IsZero() {
		effectiveAt = now
		hash = ContentHash(feed.Content, feed.Level, feed.ParentRef, effectiveAt.UnixMilli())
	}

	o := &model.Obligation{
		ObligationID:    obligationID,
		Version:         version,
		RegulationName:  slot.RegulationName,
		Article:         slot.Article,
		Clause:          slot.Clause,
		Jurisdiction:    slot.Jurisdiction,
		Level:           feed.Level,
		ParentRef:       strings.TrimSpace(feed.ParentRef),
		EffectiveAt:     effectiveAt.UnixMilli(),
		Content:         feed.Content,
		ContentHash:     hash,
		SourcePublisher: feed.SourcePublisher,
		SourceURL:       feed.SourceURL,
		RetrievedAt:     now.UnixMilli(),
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	result := &IngestResult{Obligation: o, Created: true}
	if !o.IsEffective(now) {
		result.Deferred = true
		metrics.RecordIngest("deferred")
		logger.Info("obligation stored, activation deferred",
			zap.String("obligation_id", o.ObligationID),
			zap.Int64("version", o.Version),
			zap.Time("effective_at", o.EffectiveTime()),
		)
		return result, nil
	}

	if err := s.publishChanged(ctx, o, force); err != nil {
		return nil, err
	}
	metrics.RecordIngest("created")
	logger.Info("obligation stored",
		zap.String("obligation_id", o.ObligationID),
		zap.String("slot", slot.Key()),
		zap.Int64("version", o.Version),
		zap.Bool("forced", force),
	)
	return result, nil
}

func (s *obligationService) publishChanged(ctx context.Context, o *model.Obligation, forced bool) error {
	env, err := event.New(event.TypeObligationChanged, o.ObligationID, o.Version, o.Slot().Key(), s.now(), &event.ObligationChanged{
		ObligationID:   o.ObligationID,
		Version:        o.Version,
		RegulationName: o.RegulationName,
		Article:        o.Article,
		Clause:         o.Clause,
		Jurisdiction:   o.Jurisdiction,
		Level:          o.Level,
		EffectiveAt:    o.EffectiveAt,
		ContentHash:    o.ContentHash,
		Forced:         forced,
	})
	if err != nil {
		return err
	}
	return s.publisher.Emit(ctx, env)
}

// Get 查询指定版本
func (s *obligationService) Get(ctx context.Context, obligationID string, version int64) (*model.Obligation, error) {
	if version <= 0 {
		return s.repo.Latest(ctx, obligationID)
	}
	return s.repo.GetByVersion(ctx, obligationID, version)
}

// Current 查询 at 时刻生效的版本
func (s *obligationService) Current(ctx context.Context, obligationID string, at time.Time) (*model.Obligation, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.repo.CurrentAt(ctx, obligationID, at.UnixMilli())
}

// Versions 查询全部版本
func (s *obligationService) Versions(ctx context.Context, obligationID string) ([]*model.Obligation, error) {
	return s.repo.ListVersions(ctx, obligationID)
}

// List 分页查询
func (s *obligationService) List(ctx context.Context, code string, page, pageSize int) ([]*model.Obligation, int64, error) {
	if code != "" {
		code = jurisdiction.Normalize(code)
	}
	return s.repo.List(ctx, code, repository.NewPagination(page, pageSize))
}

// ActivateDue 发布到期生效的版本
// 同一槽位只发布区间内最新的版本，较旧版本编译时会因版本过期被跳过
func (s *obligationService) ActivateDue(ctx context.Context, from, to time.Time) (int, error) {
	due, err := s.repo.ListBecameEffective(ctx, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return 0, err
	}
	latest := make(map[string]*model.Obligation, len(due))
	order := make([]string, 0, len(due))
	for _, o := range due {
		if _, ok := latest[o.ObligationID]; !ok {
			order = append(order, o.ObligationID)
		}
		if cur, ok := latest[o.ObligationID]; !ok || o.Version > cur.Version {
			latest[o.ObligationID] = o
		}
	}

	published := 0
	for _, id := range order {
		o := latest[id]
		if err := s.publishChanged(ctx, o, false); err != nil {
			return published, err
		}
		published++
		logger.Info("obligation became effective",
			zap.String("obligation_id", o.ObligationID),
			zap.Int64("version", o.Version),
		)
	}
	return published, nil
}
