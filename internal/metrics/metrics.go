// Package metrics 提供 compliance-rules 服务的 Prometheus 监控指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
)

const namespace = "compliance_rules"

// 义务与编译指标
var (
	// ObligationsIngested 义务入库数
	ObligationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "obligations_ingested_total",
			Help:      "义务入库总数",
		},
		[]string{"result"}, // created, unchanged, deferred
	)

	// Compilations 编译次数
	Compilations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "义务编译次数",
		},
		[]string{"result"}, // success, failed, stale, replayed
	)

	// CompileDuration 编译耗时
	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "单个义务编译并提交的耗时(秒)",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Overlaps 重叠处理次数
	Overlaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlaps_total",
			Help:      "检测到的规则重叠",
		},
		[]string{"type", "resolution"},
	)
)

// 规则集指标
var (
	// ActiveRules 当前生效规则数
	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "当前快照中的生效规则数",
		},
	)

	// SnapshotSeq 快照序号
	SnapshotSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_seq",
			Help:      "当前快照序号",
		},
	)

	// RuleUpdates 规则集更新结果
	RuleUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_updates_total",
			Help:      "规则集更新次数",
		},
		[]string{"result"}, // applied, replayed, stale, unknown_obligation
	)

	// CaseEvaluations 案例评估次数
	CaseEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_evaluations_total",
			Help:      "案例评估次数",
		},
		[]string{"jurisdiction", "compliant"},
	)
)

// 总线指标
var (
	// MessageStates 消息状态转换
	MessageStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_message_states_total",
			Help:      "消息处理状态转换次数",
		},
		[]string{"topic", "state"},
	)

	// MessageRetries 重试等待
	MessageRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_retry_backoff_seconds",
			Help:      "重试退避等待(秒)",
			Buckets:   []float64{1, 2, 4, 8, 16, 60, 300},
		},
		[]string{"topic"},
	)

	// DeadLetters 死信数
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dead_letters_total",
			Help:      "进入死信的消息数",
		},
		[]string{"topic", "reason"},
	)

	// ConsumerLag 消息延迟
	ConsumerLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_consumer_lag_seconds",
			Help:      "消息产生到开始处理的延迟(秒)",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"topic"},
	)

	// AuditPublishFailures 审计发布失败
	AuditPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_publish_failures_total",
			Help:      "审计记录发布到总线失败次数",
		},
	)

	// CacheWrites 快照写入缓存次数
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_writes_total",
			Help:      "规则快照写入 Redis 缓存次数",
		},
		[]string{"result"}, // success, failed, skipped
	)
)

// 定时任务指标
var (
	// JobExecutions 任务执行次数
	JobExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job_name", "status"}, // success, failed, skipped
	)

	// JobDuration 任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"job_name"},
	)
)

// RecordIngest 记录义务入库
func RecordIngest(result string) {
	ObligationsIngested.WithLabelValues(result).Inc()
}

// RecordCompilation 记录编译结果
func RecordCompilation(result string, duration time.Duration) {
	Compilations.WithLabelValues(result).Inc()
	if result == "success" {
		CompileDuration.Observe(duration.Seconds())
	}
}

// RecordOverlap 记录重叠处理
func RecordOverlap(overlapType, resolution string) {
	Overlaps.WithLabelValues(overlapType, resolution).Inc()
}

// RecordRuleUpdate 记录规则集更新
func RecordRuleUpdate(result string) {
	RuleUpdates.WithLabelValues(result).Inc()
}

// UpdateSnapshot 更新快照指标
func UpdateSnapshot(seq uint64, activeRules int) {
	SnapshotSeq.Set(float64(seq))
	ActiveRules.Set(float64(activeRules))
}

// RecordCaseEvaluation 记录案例评估
func RecordCaseEvaluation(jurisdiction string, compliant bool) {
	label := "false"
	if compliant {
		label = "true"
	}
	CaseEvaluations.WithLabelValues(jurisdiction, label).Inc()
}

// RecordAuditPublishFailure 记录审计发布失败
func RecordAuditPublishFailure() {
	AuditPublishFailures.Inc()
}

// RecordCacheWrite 记录快照缓存写入
func RecordCacheWrite(result string) {
	CacheWrites.WithLabelValues(result).Inc()
}

// RecordJobExecution 记录任务执行
func RecordJobExecution(jobName, status string, duration time.Duration) {
	JobExecutions.WithLabelValues(jobName, status).Inc()
	JobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
}

// ProcessorHooks 返回记录消息状态的处理器回调
func ProcessorHooks() kafka.Hooks {
	return kafka.Hooks{
		OnTransition: func(msg *kafka.Message, state kafka.State, _ int) {
			MessageStates.WithLabelValues(msg.Topic, string(state)).Inc()
			if state == kafka.StateReceived && !msg.Timestamp.IsZero() {
				ConsumerLag.WithLabelValues(msg.Topic).Observe(time.Since(msg.Timestamp).Seconds())
			}
		},
		OnRetry: func(msg *kafka.Message, _ int, wait time.Duration, _ error) {
			MessageRetries.WithLabelValues(msg.Topic).Observe(wait.Seconds())
		},
		OnDeadLetter: func(msg *kafka.Message, reason string, _ int) {
			label := "handler_error"
			if reason == kafka.ReasonUnparseable {
				label = "unparseable"
			}
			DeadLetters.WithLabelValues(msg.Topic, label).Inc()
		},
	}
}
