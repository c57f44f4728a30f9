package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// Handlers 全部 HTTP 处理器
type Handlers struct {
	Health     *HealthHandler
	Rules      *RuleHandler
	Obligation *ObligationHandler
	Evaluation *EvaluationHandler
	Audit      *AuditHandler
	Advisory   *AdvisoryHandler
	Ops        *OpsHandler
}

// NewRouter 创建路由
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), RequestLogger())

	r.GET("/health/live", h.Health.Live)
	r.GET("/health/ready", h.Health.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ops/log-level", gin.WrapH(logger.LevelHandler()))
	r.PUT("/ops/log-level", gin.WrapH(logger.LevelHandler()))

	v1 := r.Group("/api/v1")
	{
		rules := v1.Group("/rules")
		rules.GET("", h.Rules.ListRules)
		rules.GET("/snapshot", h.Rules.Snapshot)
		rules.GET("/cache/:jurisdiction", h.Rules.CachedRules)
		rules.GET("/:id", h.Rules.GetRule)

		obligations := v1.Group("/obligations")
		obligations.POST("", h.Obligation.Ingest)
		obligations.GET("", h.Obligation.List)
		obligations.GET("/:id/versions", h.Obligation.Versions)
		obligations.GET("/:id/versions/:version", h.Obligation.Get)
		obligations.GET("/:id/current", h.Obligation.Current)

		v1.POST("/cases/evaluate", h.Evaluation.Evaluate)

		audit := v1.Group("/audit")
		audit.GET("", h.Audit.Query)
		audit.GET("/counts", h.Audit.Counts)
		audit.GET("/:id", h.Audit.Get)

		advisories := v1.Group("/advisories")
		advisories.GET("", h.Advisory.List)
		advisories.GET("/:id", h.Advisory.Get)
		advisories.POST("/:id/adjudicate", h.Advisory.Adjudicate)

		v1.GET("/reviews", h.Ops.ListReviews)
		v1.POST("/reviews/:id/resolve", h.Ops.ResolveReview)
		v1.GET("/dlq", h.Ops.ListDeadLetters)
		v1.GET("/jobs", h.Ops.ListJobs)
		v1.POST("/jobs/:name/trigger", h.Ops.TriggerJob)
	}

	return r
}
