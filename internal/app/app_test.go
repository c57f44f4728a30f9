package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/config"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/model"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestApp 用 sqlite 与 miniredis 替代 PostgreSQL 与 Redis，其余组件按生产方式装配
func newTestApp(t *testing.T) (*App, http.Handler) {
	// 任务只通过 RunJob 触发，cron 设为每年一次
	cfg, err := config.Parse([]byte(`
service:
  instance_id: test-replica
scheduler:
  enabled: true
  activation:
    enabled: true
    cron: "0 0 0 1 1 *"
  reconcile:
    enabled: true
    cron: "0 0 0 1 1 *"
cache:
  enabled: true
kafka:
  topics:
    regulatory_updates: test.regulatory.updates
    rule_updates: test.compliance.rules
    audit: test.compliance.audit
`))
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Obligation{},
		&model.CompiledRule{},
		&model.OverlapAdvisory{},
		&model.AuditEntry{},
		&model.DeadLetterMessage{},
		&model.ManualReviewItem{},
	))

	mr := miniredis.RunT(t)

	a := New(cfg)
	a.db = db
	a.redisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	require.NoError(t, a.initBus())
	require.NoError(t, a.initServices())
	require.NoError(t, a.warmupSnapshot())
	require.NoError(t, a.startConsumers())
	require.NoError(t, a.startScheduler())
	router := a.buildRouter()
	a.health.SetReady(true)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, router
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestApp_IngestCompilesThroughBus(t *testing.T) {
	a, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/v1/obligations", map[string]interface{}{
		"regulation_name":  "CRR",
		"article":          "Art.92",
		"clause":           "1",
		"jurisdiction":     "DE",
		"level":            1,
		"effective_at":     time.Now().Add(-time.Hour).Format(time.RFC3339),
		"content":          "Institutions shall keep cet1_capital_ratio >= 4.5.",
		"source_publisher": "test",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 进程内总线异步投递，编译完成后快照与 Redis 读模型都会更新
	require.Eventually(t, func() bool {
		return a.manager.CurrentSnapshot().Size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rules, err := a.snapshotCache.RulesFor(context.Background(), "DE")
		return err == nil && len(rules) == 1
	}, 5*time.Second, 10*time.Millisecond)

	w = doJSON(t, router, http.MethodGet, "/api/v1/rules/cache/DE", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 事件走配置的主题
	assert.Len(t, a.bus.Messages("test.regulatory.updates"), 1)
	assert.Eventually(t, func() bool {
		return len(a.bus.Messages("test.compliance.rules")) > 0 && len(a.bus.Messages("test.compliance.audit")) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.bus.Messages(event.TopicRegulatoryUpdates))
	assert.Empty(t, a.bus.Messages(event.TopicRuleUpdates))
}

func TestApp_JobsRegistered(t *testing.T) {
	a, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []*scheduler.JobStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	names := make([]string, 0, len(resp.Data))
	for _, s := range resp.Data {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{scheduler.JobNameActivation, scheduler.JobNameReconcile}, names)

	status, err := a.scheduler.RunJob(scheduler.JobNameReconcile)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccess, status.LastStatus)

	status, err = a.scheduler.RunJob(scheduler.JobNameActivation)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccess, status.LastStatus)
}
