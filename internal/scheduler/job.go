// Package scheduler 定时任务调度: 生效日期激活与快照对账
package scheduler

import (
	"context"
	"time"
)

// Job 任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁
	RequiresLock() bool
}

// JobResult 任务执行结果
type JobResult struct {
	// ProcessedCount 处理的记录数
	ProcessedCount int
	// Details 详细信息
	Details map[string]interface{}
}

// BaseJob 基础任务实现
type BaseJob struct {
	name        string
	timeout     time.Duration
	requireLock bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout time.Duration, requireLock bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		requireLock: requireLock,
	}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 任务超时时间
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// RequiresLock 是否需要分布式锁
func (j BaseJob) RequiresLock() bool {
	return j.requireLock
}

// JobNames 任务名称常量
const (
	JobNameActivation = "obligation-activation"
	JobNameReconcile  = "snapshot-reconcile"
)

// DefaultJobConfigs 默认任务配置
var DefaultJobConfigs = map[string]struct {
	Cron    string
	Timeout time.Duration
}{
	JobNameActivation: {
		Cron:    "0 * * * * *", // 每分钟
		Timeout: 50 * time.Second,
	},
	JobNameReconcile: {
		Cron:    "30 */5 * * * *", // 每5分钟
		Timeout: 2 * time.Minute,
	},
}
