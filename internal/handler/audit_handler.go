package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/service"
)

// AuditEntryView 带校验结果的审计记录
type AuditEntryView struct {
	*model.AuditEntry
	Verified bool `json:"verified"`
}

// AuditHandler 审计查询处理器
type AuditHandler struct {
	svc service.AuditService
}

// NewAuditHandler 创建审计处理器
func NewAuditHandler(svc service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// Query 查询审计记录
// GET /api/v1/audit?from=&to=&type=RuleCompiled,CaseEvaluated&obligation_id=&dedup=true
// from/to 为 unix 毫秒
func (h *AuditHandler) Query(c *gin.Context) {
	page, pageSize := pageParams(c)
	q := &service.AuditQuery{
		ObligationID: c.Query("obligation_id"),
		Page:         page,
		PageSize:     pageSize,
	}
	var ok bool
	if q.From, ok = parseMillis(c, "from"); !ok {
		return
	}
	if q.To, ok = parseMillis(c, "to"); !ok {
		return
	}
	for _, raw := range c.QueryArray("type") {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.EventTypes = append(q.EventTypes, model.AuditEventType(t))
			}
		}
	}
	q.Dedup, _ = strconv.ParseBool(c.Query("dedup"))

	list, total, err := h.svc.Query(c.Request.Context(), q)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessWithPagination(c, list, total, page, pageSize)
}

// Get 查询单条审计记录并校验完整性
// GET /api/v1/audit/:id
func (h *AuditHandler) Get(c *gin.Context) {
	entry, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, &AuditEntryView{AuditEntry: entry, Verified: h.svc.Verify(entry)})
}

// Counts 各事件类型的记录数
// GET /api/v1/audit/counts
func (h *AuditHandler) Counts(c *gin.Context) {
	counts, err := h.svc.Counts(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, counts)
}

func parseMillis(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		BadRequest(c, name+" must be unix milliseconds")
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
