package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaigenticai/ComplianceAI-sub001/pkg/lock"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// mockJob 模拟任务用于测试
type mockJob struct {
	BaseJob
	executeFunc func(ctx context.Context) (*JobResult, error)
	execCount   int64
}

func newMockJob(name string, requireLock bool, executeFunc func(ctx context.Context) (*JobResult, error)) *mockJob {
	return &mockJob{
		BaseJob:     NewBaseJob(name, 5*time.Second, requireLock),
		executeFunc: executeFunc,
	}
}

func (j *mockJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.executeFunc != nil {
		return j.executeFunc(ctx)
	}
	return &JobResult{ProcessedCount: 1}, nil
}

func (j *mockJob) count() int64 {
	return atomic.LoadInt64(&j.execCount)
}

type fakeActivator struct {
	mu    sync.Mutex
	calls [][2]time.Time
	n     int
	err   error
}

func (f *fakeActivator) ActivateDue(_ context.Context, from, to time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]time.Time{from, to})
	return f.n, f.err
}

type fakeReloader struct {
	calls int64
	err   error
}

func (f *fakeReloader) Reload(context.Context) error {
	atomic.AddInt64(&f.calls, 1)
	return f.err
}

// ========== Scheduler 单元测试 ==========

func TestScheduler_RegisterJob(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{MaxConcurrentJobs: 2})

	job := newMockJob("test-job", false, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}))

	err := s.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true})
	assert.Error(t, err)

	status, err := s.GetJobStatus("test-job")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Empty(t, status.LastStatus)

	_, err = s.GetJobStatus("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_RegisterJob_InvalidCron(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{})

	err := s.RegisterJob(newMockJob("bad", false, nil), JobConfig{Cron: "not a cron", Enabled: true})
	assert.Error(t, err)
	_, err = s.GetJobStatus("bad")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_RunJob(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{})

	ok := newMockJob("ok", false, func(context.Context) (*JobResult, error) {
		return &JobResult{ProcessedCount: 3}, nil
	})
	failing := newMockJob("failing", false, func(context.Context) (*JobResult, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, s.RegisterJob(ok, JobConfig{Cron: "@every 1h", Enabled: true}))
	require.NoError(t, s.RegisterJob(failing, JobConfig{Cron: "@every 1h", Enabled: false}))

	status, err := s.RunJob("ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status.LastStatus)
	assert.Equal(t, 3, status.LastProcessed)

	status, err = s.RunJob("failing")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.LastStatus)
	assert.Equal(t, "boom", status.LastError)
	assert.False(t, status.Enabled)

	_, err = s.RunJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	statuses := s.ListJobStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "failing", statuses[0].Name)
	assert.Equal(t, "ok", statuses[1].Name)
}

func TestScheduler_LockHeldElsewhere(t *testing.T) {
	_, rdb := setupTestRedis(t)
	locker := lock.NewRedisLocker(rdb, "compliance:jobs:lock:", 300*time.Second)
	s := NewScheduler(&SchedulerConfig{Locker: locker})

	job := newMockJob("locked", true, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "@every 1h", Enabled: true}))

	// 另一个实例持有锁
	other := locker.NewLock("locked")
	acquired, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	status, err := s.RunJob("locked")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status.LastStatus)
	assert.Equal(t, int64(0), job.count())

	require.NoError(t, other.Release(context.Background()))
	status, err = s.RunJob("locked")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status.LastStatus)
	assert.Equal(t, int64(1), job.count())

	// 执行结束后锁已释放
	exists, err := rdb.Exists(context.Background(), "compliance:jobs:lock:locked").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestScheduler_MaxConcurrent(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{MaxConcurrentJobs: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	slow := newMockJob("slow", false, func(ctx context.Context) (*JobResult, error) {
		close(started)
		<-release
		return &JobResult{}, nil
	})
	fast := newMockJob("fast", false, nil)
	require.NoError(t, s.RegisterJob(slow, JobConfig{Cron: "@every 1h", Enabled: true}))
	require.NoError(t, s.RegisterJob(fast, JobConfig{Cron: "@every 1h", Enabled: true}))

	require.NoError(t, s.TriggerJob("slow"))
	<-started

	status, err := s.RunJob("fast")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status.LastStatus)
	assert.Equal(t, int64(0), fast.count())

	close(release)
	assert.Eventually(t, func() bool {
		st, _ := s.GetJobStatus("slow")
		return st.LastStatus == StatusSuccess
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_StoppedSkips(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{})
	job := newMockJob("job", false, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "@every 1h", Enabled: true}))
	s.Start()
	s.Stop()

	status, err := s.RunJob("job")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status.LastStatus)
	assert.Equal(t, int64(0), job.count())
}

// ========== ActivationJob 单元测试 ==========

func TestActivationJob_AdvancesWatermark(t *testing.T) {
	_, rdb := setupTestRedis(t)
	activator := &fakeActivator{n: 2}
	job := NewActivationJob(activator, rdb, time.Minute, time.Hour)

	now := time.UnixMilli(1_700_000_000_000)
	job.now = func() time.Time { return now }

	res, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedCount)
	require.Len(t, activator.calls, 1)
	assert.Equal(t, now.Add(-time.Hour), activator.calls[0][0])
	assert.Equal(t, now, activator.calls[0][1])

	v, err := rdb.Get(context.Background(), KeyActivationWatermark).Result()
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), v)

	// 第二次从上次水位开始
	later := now.Add(time.Minute)
	job.now = func() time.Time { return later }
	_, err = job.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, activator.calls, 2)
	assert.Equal(t, now.UnixMilli(), activator.calls[1][0].UnixMilli())
	assert.Equal(t, later, activator.calls[1][1])
}

func TestActivationJob_SharedWatermark(t *testing.T) {
	_, rdb := setupTestRedis(t)
	now := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, rdb.Set(context.Background(), KeyActivationWatermark, now.Add(-5*time.Minute).UnixMilli(), 0).Err())

	activator := &fakeActivator{}
	job := NewActivationJob(activator, rdb, time.Minute, time.Hour)
	job.now = func() time.Time { return now }

	_, err := job.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, activator.calls, 1)
	assert.Equal(t, now.Add(-5*time.Minute).UnixMilli(), activator.calls[0][0].UnixMilli())
}

func TestActivationJob_FailureKeepsWatermark(t *testing.T) {
	activator := &fakeActivator{}
	job := NewActivationJob(activator, nil, time.Minute, time.Hour)
	now := time.UnixMilli(1_700_000_000_000)
	job.now = func() time.Time { return now }

	_, err := job.Execute(context.Background())
	require.NoError(t, err)

	activator.err = errors.New("db down")
	job.now = func() time.Time { return now.Add(time.Minute) }
	_, err = job.Execute(context.Background())
	assert.Error(t, err)

	activator.err = nil
	later := now.Add(2 * time.Minute)
	job.now = func() time.Time { return later }
	_, err = job.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, activator.calls, 3)
	assert.Equal(t, now, activator.calls[2][0])
	assert.Equal(t, later, activator.calls[2][1])
}

func TestActivationJob_RunsUnderScheduler(t *testing.T) {
	_, rdb := setupTestRedis(t)
	s := NewScheduler(&SchedulerConfig{Locker: lock.NewRedisLocker(rdb, "compliance:jobs:lock:", 0)})
	activator := &fakeActivator{n: 1}
	require.NoError(t, s.RegisterJob(NewActivationJob(activator, rdb, time.Minute, 0), JobConfig{
		Cron:    DefaultJobConfigs[JobNameActivation].Cron,
		Enabled: true,
	}))

	status, err := s.RunJob(JobNameActivation)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status.LastStatus)
	assert.Equal(t, 1, status.LastProcessed)
}

// ========== ReconcileJob 单元测试 ==========

func TestReconcileJob(t *testing.T) {
	reloader := &fakeReloader{}
	job := NewReconcileJob(reloader, time.Minute)
	assert.False(t, job.RequiresLock())

	_, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&reloader.calls))

	reloader.err = errors.New("db down")
	_, err = job.Execute(context.Background())
	assert.ErrorContains(t, err, "db down")
}
