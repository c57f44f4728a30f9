package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/metrics"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/ruleset"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// SnapshotWriter 异步把发布的快照写入缓存
// 写入落后时只保留最新快照
type SnapshotWriter struct {
	cache   *SnapshotCache
	timeout time.Duration
	pending chan *ruleset.Snapshot
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSnapshotWriter 创建异步写入器
func NewSnapshotWriter(cache *SnapshotCache, timeout time.Duration) *SnapshotWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotWriter{
		cache:   cache,
		timeout: timeout,
		pending: make(chan *ruleset.Snapshot, 1),
		stopCh:  make(chan struct{}),
	}
}

// OnSwap 作为 ruleset.Manager 的回调注册，不阻塞调用方
func (w *SnapshotWriter) OnSwap(snap *ruleset.Snapshot) {
	select {
	case w.pending <- snap:
		return
	default:
	}
	// 丢弃尚未写入的旧快照
	select {
	case <-w.pending:
		metrics.RecordCacheWrite("skipped")
	default:
	}
	select {
	case w.pending <- snap:
	default:
		metrics.RecordCacheWrite("skipped")
	}
}

// Start 启动写入协程
func (w *SnapshotWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop 停止写入协程，待写入的快照会先写完
func (w *SnapshotWriter) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
}

func (w *SnapshotWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case snap := <-w.pending:
			w.write(snap)
		case <-w.stopCh:
			select {
			case snap := <-w.pending:
				w.write(snap)
			default:
			}
			return
		}
	}
}

func (w *SnapshotWriter) write(snap *ruleset.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.cache.Write(ctx, snap); err != nil {
		metrics.RecordCacheWrite("failed")
		logger.Warn("write snapshot cache failed",
			zap.Uint64("seq", snap.Seq()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordCacheWrite("success")
	logger.Debug("snapshot cached",
		zap.Uint64("seq", snap.Seq()),
		zap.Int("rules", snap.Size()),
	)
}
