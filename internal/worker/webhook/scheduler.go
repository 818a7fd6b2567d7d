// Package webhook はWebhookイベントキューをポーリングして処理するワーカーを提供する。
package webhook

import (
	"context"
	"log/slog"
	"time"
)

// BatchProcessor はキューから1バッチ分のイベントを処理するインターフェース。
type BatchProcessor interface {
	// ProcessBatch はpendingのイベントを処理し、処理件数を返す。
	ProcessBatch(ctx context.Context) (int, error)
}

// Scheduler は一定間隔でキューを処理する。
// 1回のポーリングでバッチが満杯だった場合は、待たずに次のバッチを処理する。
type Scheduler struct {
	processor BatchProcessor
	logger    *slog.Logger
	batchSize int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(processor BatchProcessor, logger *slog.Logger, batchSize int) *Scheduler {
	return &Scheduler{
		processor: processor,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Start はintervalごとのティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("webhook worker started",
		slog.Duration("interval", interval),
		slog.Int("batch_size", s.batchSize),
	)

	// 起動直後に1回実行
	s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("webhook worker stopped")
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain はキューが空になるか、バッチが満杯でなくなるまでRunOnceを繰り返す。
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("webhook batch failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if s.batchSize <= 0 || n < s.batchSize {
			return
		}
	}
}

// RunOnce は1バッチ分のイベントを処理する。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	n, err := s.processor.ProcessBatch(ctx)
	if err != nil {
		return n, err
	}
	if n == 0 {
		s.logger.Debug("no pending webhook events")
		return 0, nil
	}

	s.logger.Info("webhook batch completed",
		slog.Int("event_count", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return n, nil
}
