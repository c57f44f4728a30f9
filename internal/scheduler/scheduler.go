package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/lock"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// 执行状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ErrJobNotFound 任务不存在
var ErrJobNotFound = errors.New("job not found")

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	locker        *lock.RedisLocker
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	last          map[string]*JobStatus
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	// Locker 为空时任务不加锁执行 (单实例部署)
	Locker *lock.RedisLocker
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	Cron           string `json:"cron"`
	LastStatus     string `json:"last_status,omitempty"`
	LastStartedAt  int64  `json:"last_started_at,omitempty"`
	LastDurationMs int64  `json:"last_duration_ms,omitempty"`
	LastProcessed  int    `json:"last_processed,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		locker:        cfg.Locker,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		last:          make(map[string]*JobStatus),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))

	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器，等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	go s.executeJob(job)
	return nil
}

// RunJob 同步执行任务并返回执行状态
func (s *Scheduler) RunJob(jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return s.executeJob(job), nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) *JobStatus {
	startTime := time.Now()
	status := &JobStatus{Name: job.Name(), LastStartedAt: startTime.UnixMilli()}
	defer s.record(status, startTime)

	// 检查是否达到最大并发数
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		status.LastStatus = StatusSkipped
		status.LastError = "max concurrent jobs reached"
		return status
	}

	// 检查调度器是否已停止
	select {
	case <-s.ctx.Done():
		status.LastStatus = StatusSkipped
		status.LastError = "scheduler stopped"
		return status
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	log := logger.Named("scheduler").With(zap.String("job", job.Name()))
	var result *JobResult
	run := func(ctx context.Context) error {
		log.Info("starting job")
		var err error
		result, err = job.Execute(ctx)
		return err
	}

	var err error
	if job.RequiresLock() && s.locker != nil {
		err = s.locker.WithLock(ctx, job.Name(), run)
	} else {
		err = run(ctx)
	}

	switch {
	case errors.Is(err, lock.ErrLockAcquireFailed):
		log.Debug("job is already running on another instance")
		status.LastStatus = StatusSkipped
		status.LastError = "job is running on another instance"
	case err != nil:
		status.LastStatus = StatusFailed
		status.LastError = err.Error()
		log.Error("job failed",
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))
	default:
		status.LastStatus = StatusSuccess
		if result != nil {
			status.LastProcessed = result.ProcessedCount
		}
		log.Info("job completed",
			zap.Duration("duration", time.Since(startTime)),
			zap.Any("details", resultDetails(result)))
	}
	return status
}

func (s *Scheduler) record(status *JobStatus, startTime time.Time) {
	duration := time.Since(startTime)
	status.LastDurationMs = duration.Milliseconds()
	metrics.RecordJobExecution(status.Name, status.LastStatus, duration)

	s.mu.Lock()
	cfg := s.jobConfigs[status.Name]
	status.Enabled = cfg.Enabled
	status.Cron = cfg.Cron
	s.last[status.Name] = status
	s.mu.Unlock()
}

// GetJobStatus 获取任务最近一次执行状态
func (s *Scheduler) GetJobStatus(jobName string) (*JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	config, exists := s.jobConfigs[jobName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	if last, ok := s.last[jobName]; ok {
		cp := *last
		return &cp, nil
	}
	return &JobStatus{Name: jobName, Enabled: config.Enabled, Cron: config.Cron}, nil
}

// ListJobStatus 列出所有任务状态
func (s *Scheduler) ListJobStatus() []*JobStatus {
	s.mu.RLock()
	jobNames := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		jobNames = append(jobNames, name)
	}
	s.mu.RUnlock()
	sort.Strings(jobNames)

	statuses := make([]*JobStatus, 0, len(jobNames))
	for _, name := range jobNames {
		status, err := s.GetJobStatus(name)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func resultDetails(r *JobResult) map[string]interface{} {
	if r == nil {
		return nil
	}
	out := map[string]interface{}{"processed_count": r.ProcessedCount}
	for k, v := range r.Details {
		out[k] = v
	}
	return out
}
