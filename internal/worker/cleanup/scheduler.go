package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Job は定期実行するジョブ。
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler はジョブを一定間隔で実行する。
type Scheduler struct {
	job      Job
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合はデフォルト値1時間を使用する。
func NewScheduler(job Job, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{job: job, interval: interval, logger: logger}
}

// Start は起動直後に1回ジョブを実行し、以後はティッカーで繰り返す。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.job.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
