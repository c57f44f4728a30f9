package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/service"
)

// IngestResponse 入库响应
type IngestResponse struct {
	ObligationID string `json:"obligation_id"`
	Version      int64  `json:"version"`
	ContentHash  string `json:"content_hash"`
	Created      bool   `json:"created"`
	Deferred     bool   `json:"deferred"`
}

// ObligationHandler 义务处理器
type ObligationHandler struct {
	svc service.ObligationService
}

// NewObligationHandler 创建义务处理器
func NewObligationHandler(svc service.ObligationService) *ObligationHandler {
	return &ObligationHandler{svc: svc}
}

// Ingest 写入义务
// POST /api/v1/obligations?force=true
func (h *ObligationHandler) Ingest(c *gin.Context) {
	var req service.FeedObligation
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))

	res, err := h.svc.Ingest(c.Request.Context(), &req, force)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, &IngestResponse{
		ObligationID: res.Obligation.ObligationID,
		Version:      res.Obligation.Version,
		ContentHash:  res.Obligation.ContentHash,
		Created:      res.Created,
		Deferred:     res.Deferred,
	})
}

// List 分页查询义务
// GET /api/v1/obligations?jurisdiction=DE
func (h *ObligationHandler) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, total, err := h.svc.List(c.Request.Context(), c.Query("jurisdiction"), page, pageSize)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessWithPagination(c, list, total, page, pageSize)
}

// Versions 查询义务全部版本
// GET /api/v1/obligations/:id/versions
func (h *ObligationHandler) Versions(c *gin.Context) {
	list, err := h.svc.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, list)
}

// Get 查询义务版本，version 为 latest 时返回最新版本
// GET /api/v1/obligations/:id/versions/:version
func (h *ObligationHandler) Get(c *gin.Context) {
	var version int64
	if raw := c.Param("version"); raw != "latest" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			BadRequest(c, "version must be a positive integer or latest")
			return
		}
		version = v
	}
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, o)
}

// Current 查询某时刻生效的版本
// GET /api/v1/obligations/:id/current?at=<unix millis>
func (h *ObligationHandler) Current(c *gin.Context) {
	var at time.Time
	if raw := c.Query("at"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			BadRequest(c, "at must be unix milliseconds")
			return
		}
		at = time.UnixMilli(ms)
	}
	o, err := h.svc.Current(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, o)
}
