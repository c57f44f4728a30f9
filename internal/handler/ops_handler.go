package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/scheduler"
	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

// ReviewStore 人工复核队列
type ReviewStore interface {
	ListPending(ctx context.Context, pagination *repository.Pagination) ([]*model.ManualReviewItem, int64, error)
	Resolve(ctx context.Context, id int64, resolvedBy string) error
}

// DeadLetterStore 死信查询
type DeadLetterStore interface {
	List(ctx context.Context, topic string, pagination *repository.Pagination) ([]*model.DeadLetterMessage, int64, error)
}

// JobRunner 定时任务管理
type JobRunner interface {
	ListJobStatus() []*scheduler.JobStatus
	TriggerJob(jobName string) error
}

// OpsHandler 运维处理器：复核队列、死信、定时任务
type OpsHandler struct {
	reviews     ReviewStore
	deadLetters DeadLetterStore
	jobs        JobRunner
}

// NewOpsHandler 创建运维处理器，jobs 可为空
func NewOpsHandler(reviews ReviewStore, deadLetters DeadLetterStore, jobs JobRunner) *OpsHandler {
	return &OpsHandler{
		reviews:     reviews,
		deadLetters: deadLetters,
		jobs:        jobs,
	}
}

// ListReviews 查询待复核项
// GET /api/v1/reviews
func (h *OpsHandler) ListReviews(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, total, err := h.reviews.ListPending(c.Request.Context(), repository.NewPagination(page, pageSize))
	if err != nil {
		Error(c, err)
		return
	}
	SuccessWithPagination(c, list, total, page, pageSize)
}

// ResolveReview 标记复核项已处理
// POST /api/v1/reviews/:id/resolve
func (h *OpsHandler) ResolveReview(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "invalid review id")
		return
	}
	operator := c.GetHeader(OperatorHeader)
	if operator == "" {
		BadRequest(c, "operator id is required")
		return
	}
	if err := h.reviews.Resolve(c.Request.Context(), id, operator); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"id": id, "resolved_by": operator})
}

// ListDeadLetters 查询死信
// GET /api/v1/dlq?topic=regulatory.updates
func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, total, err := h.deadLetters.List(c.Request.Context(), c.Query("topic"), repository.NewPagination(page, pageSize))
	if err != nil {
		Error(c, err)
		return
	}
	SuccessWithPagination(c, list, total, page, pageSize)
}

// ListJobs 查询定时任务状态
// GET /api/v1/jobs
func (h *OpsHandler) ListJobs(c *gin.Context) {
	if h.jobs == nil {
		Success(c, []*scheduler.JobStatus{})
		return
	}
	Success(c, h.jobs.ListJobStatus())
}

// TriggerJob 手动触发定时任务
// POST /api/v1/jobs/:name/trigger
func (h *OpsHandler) TriggerJob(c *gin.Context) {
	if h.jobs == nil {
		Error(c, apperrors.ErrServiceUnavailable.WithMessage("scheduler disabled"))
		return
	}
	name := c.Param("name")
	if err := h.jobs.TriggerJob(name); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			Error(c, apperrors.ErrNotFound.WithMessagef("job %s not found", name))
			return
		}
		Error(c, err)
		return
	}
	Success(c, gin.H{"job": name, "triggered": true})
}
