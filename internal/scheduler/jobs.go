package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// KeyActivationWatermark 激活任务上次处理到的时间点 (毫秒)
const KeyActivationWatermark = "compliance:jobs:activation:watermark"

// Activator 发布到期生效的义务版本
type Activator interface {
	ActivateDue(ctx context.Context, from, to time.Time) (int, error)
}

// Reloader 从存储重建规则集快照
type Reloader interface {
	Reload(ctx context.Context) error
}

// ActivationJob 生效日期激活任务
// 每次处理 (上次水位, now] 区间内开始生效的版本，成功后推进水位
type ActivationJob struct {
	BaseJob
	activator Activator
	rdb       redis.UniversalClient
	lookback  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewActivationJob 创建激活任务
// rdb 为空时水位只保存在内存中；首次运行回看 lookback
func NewActivationJob(activator Activator, rdb redis.UniversalClient, timeout, lookback time.Duration) *ActivationJob {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &ActivationJob{
		BaseJob:   NewBaseJob(JobNameActivation, timeout, true),
		activator: activator,
		rdb:       rdb,
		lookback:  lookback,
		now:       time.Now,
	}
}

// Execute 执行激活
func (j *ActivationJob) Execute(ctx context.Context) (*JobResult, error) {
	to := j.now()
	from, err := j.watermark(ctx, to)
	if err != nil {
		return nil, err
	}
	if !to.After(from) {
		return &JobResult{}, nil
	}

	n, err := j.activator.ActivateDue(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("activate due obligations: %w", err)
	}
	if err := j.advance(ctx, to); err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("obligations activated",
			zap.Int("count", n),
			zap.Time("from", from),
			zap.Time("to", to))
	}
	return &JobResult{
		ProcessedCount: n,
		Details: map[string]interface{}{
			"from": from.UnixMilli(),
			"to":   to.UnixMilli(),
		},
	}, nil
}

func (j *ActivationJob) watermark(ctx context.Context, now time.Time) (time.Time, error) {
	j.mu.Lock()
	last := j.last
	j.mu.Unlock()

	if j.rdb != nil {
		v, err := j.rdb.Get(ctx, KeyActivationWatermark).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return time.Time{}, fmt.Errorf("redis get watermark: %w", err)
		default:
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse watermark %q: %w", v, err)
			}
			return time.UnixMilli(ms), nil
		}
	}
	if last.IsZero() {
		return now.Add(-j.lookback), nil
	}
	return last, nil
}

func (j *ActivationJob) advance(ctx context.Context, to time.Time) error {
	j.mu.Lock()
	j.last = to
	j.mu.Unlock()

	if j.rdb == nil {
		return nil
	}
	if err := j.rdb.Set(ctx, KeyActivationWatermark, to.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("redis set watermark: %w", err)
	}
	return nil
}

// ReconcileJob 快照对账任务
// 从规则表重建快照，使漏消费更新的副本收敛
type ReconcileJob struct {
	BaseJob
	reloader Reloader
}

// NewReconcileJob 创建对账任务
// 每个副本都要重建自己的快照，因此不加锁
func NewReconcileJob(reloader Reloader, timeout time.Duration) *ReconcileJob {
	return &ReconcileJob{
		BaseJob:  NewBaseJob(JobNameReconcile, timeout, false),
		reloader: reloader,
	}
}

// Execute 执行对账
func (j *ReconcileJob) Execute(ctx context.Context) (*JobResult, error) {
	if err := j.reloader.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reload ruleset: %w", err)
	}
	return &JobResult{ProcessedCount: 1}, nil
}
