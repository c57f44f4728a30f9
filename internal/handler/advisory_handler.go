package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/repository"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/service"
)

// OperatorHeader 操作员 ID 头
const OperatorHeader = "X-Operator-ID"

// AdvisoryStore 重叠建议查询
type AdvisoryStore interface {
	Get(ctx context.Context, advisoryID string) (*model.OverlapAdvisory, error)
	List(ctx context.Context, filter repository.AdvisoryFilter, pagination *repository.Pagination) ([]*model.OverlapAdvisory, int64, error)
}

// Adjudicator 人工裁决
type Adjudicator interface {
	Adjudicate(ctx context.Context, req *service.AdjudicateRequest) (*model.OverlapAdvisory, error)
}

// AdvisoryView 重叠建议响应
type AdvisoryView struct {
	*model.OverlapAdvisory
	TypeName       string `json:"type_name"`
	ResolutionName string `json:"resolution_name"`
}

func newAdvisoryView(a *model.OverlapAdvisory) *AdvisoryView {
	return &AdvisoryView{
		OverlapAdvisory: a,
		TypeName:        a.Type.String(),
		ResolutionName:  a.Resolution.String(),
	}
}

// AdvisoryHandler 重叠建议处理器
type AdvisoryHandler struct {
	store       AdvisoryStore
	adjudicator Adjudicator
}

// NewAdvisoryHandler 创建重叠建议处理器
func NewAdvisoryHandler(store AdvisoryStore, adjudicator Adjudicator) *AdvisoryHandler {
	return &AdvisoryHandler{store: store, adjudicator: adjudicator}
}

// List 查询重叠建议
// GET /api/v1/advisories?rule_id=&pending=true
func (h *AdvisoryHandler) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	pending, _ := strconv.ParseBool(c.Query("pending"))
	list, total, err := h.store.List(c.Request.Context(), repository.AdvisoryFilter{
		RuleID:      c.Query("rule_id"),
		PendingOnly: pending,
	}, repository.NewPagination(page, pageSize))
	if err != nil {
		Error(c, err)
		return
	}
	views := make([]*AdvisoryView, 0, len(list))
	for _, a := range list {
		views = append(views, newAdvisoryView(a))
	}
	SuccessWithPagination(c, views, total, page, pageSize)
}

// Get 查询单条重叠建议
// GET /api/v1/advisories/:id
func (h *AdvisoryHandler) Get(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, newAdvisoryView(a))
}

// adjudicateBody 裁决请求体
type adjudicateBody struct {
	KeepRuleID string `json:"keep_rule_id" binding:"required"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason" binding:"required"`
}

// Adjudicate 人工裁决待处理建议
// POST /api/v1/advisories/:id/adjudicate
func (h *AdvisoryHandler) Adjudicate(c *gin.Context) {
	var body adjudicateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequest(c, err.Error())
		return
	}
	operator := c.GetHeader(OperatorHeader)
	if operator == "" {
		operator = body.OperatorID
	}
	if operator == "" {
		BadRequest(c, "operator id is required")
		return
	}

	adv, err := h.adjudicator.Adjudicate(c.Request.Context(), &service.AdjudicateRequest{
		AdvisoryID: c.Param("id"),
		KeepRuleID: body.KeepRuleID,
		OperatorID: operator,
		Reason:     body.Reason,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, newAdvisoryView(adv))
}
