// Package usage 异步记录受治理请求的最终结果。
package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	"github.com/zacharykka/genai-governor/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Recorder 将请求日志写入有界队列，由后台 worker 持久化。
// Record 从不阻塞调用方，也不返回错误。
type Recorder struct {
	repos  *domain.Repositories
	logger *zap.Logger
	queue  chan *domain.RequestLogEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder 创建记录器并启动后台 worker。
func NewRecorder(repos *domain.Repositories, queueSize int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		repos:  repos,
		logger: logger,
		queue:  make(chan *domain.RequestLogEntry, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record 将日志放入队列；队列已满或记录器已关闭时丢弃并计数。
func (r *Recorder) Record(entry *domain.RequestLogEntry) {
	if entry == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(entry, "recorder closed")
		return
	}
	select {
	case r.queue <- entry:
		metrics.SetRecorderQueueDepth(len(r.queue))
	default:
		r.drop(entry, "queue full")
	}
}

func (r *Recorder) drop(entry *domain.RequestLogEntry, reason string) {
	metrics.RecordRecorderDrop()
	r.logger.Warn("request log dropped",
		zap.String("reason", reason),
		zap.String("request_id", entry.ID),
		zap.String("use_case", entry.UseCase),
		zap.Bool("was_successful", entry.WasSuccessful),
	)
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		r.persist(entry)
		metrics.SetRecorderQueueDepth(len(r.queue))
	}
}

func (r *Recorder) persist(entry *domain.RequestLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.repos.RequestLogs.Create(ctx, entry); err != nil {
		metrics.RecordRecorderFailure()
		r.logger.Error("persist request log failed", zap.String("request_id", entry.ID), zap.Error(err))
	}

	if entry.ModelIdentifier == nil || entry.Attempts == 0 {
		return
	}
	outcome := domain.ModelOutcome{
		Success:    entry.WasSuccessful,
		DurationMs: entry.DurationMs,
		Cost:       entry.Cost,
	}
	if err := r.repos.Models.RecordOutcome(ctx, *entry.ModelIdentifier, outcome); err != nil {
		metrics.RecordRecorderFailure()
		r.logger.Error("update model counters failed", zap.String("model", *entry.ModelIdentifier), zap.Error(err))
	}
	if entry.WasSuccessful {
		metrics.RecordModelUsage(*entry.ModelIdentifier, entry.InputTokens, entry.OutputTokens, entry.Cost)
	}
}

// Close 停止接收新日志并等待队列排空，ctx 到期时放弃等待。
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("request log queue not drained before shutdown", zap.Int("pending", len(r.queue)))
		return ctx.Err()
	}
}

// Recent 返回用户最近的请求日志。
func (r *Recorder) Recent(ctx context.Context, userID string, limit int) ([]*domain.RequestLogEntry, error) {
	return r.repos.RequestLogs.ListRecent(ctx, userID, limit)
}

// Summary 按用例聚合 since 之后的请求统计。
func (r *Recorder) Summary(ctx context.Context, since time.Time) ([]*domain.UsageSummary, error) {
	return r.repos.RequestLogs.AggregateUsage(ctx, since)
}
