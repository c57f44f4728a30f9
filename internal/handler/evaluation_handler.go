package handler

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/service"
)

// EvaluationHandler 案例评估处理器
type EvaluationHandler struct {
	svc service.EvaluationService
}

// NewEvaluationHandler 创建案例评估处理器
func NewEvaluationHandler(svc service.EvaluationService) *EvaluationHandler {
	return &EvaluationHandler{svc: svc}
}

// Evaluate 评估案例
// POST /api/v1/cases/evaluate
func (h *EvaluationHandler) Evaluate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	// 数值按 json.Number 解码，避免浮点误差
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req service.CaseRequest
	if err := dec.Decode(&req); err != nil {
		BadRequest(c, "invalid case: "+err.Error())
		return
	}

	res, err := h.svc.Evaluate(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, res)
}
