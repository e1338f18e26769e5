package feedsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

// DefaultPollInterval はPollStrategyの既定の再取得間隔。
const DefaultPollInterval = 5 * time.Second

// Strategy は変更の検知方式。Runはctxが終了するまでブロックし、
// 変更を検知するたびにsignalを呼ぶ。戻る前に確保した資源をすべて解放すること。
type Strategy interface {
	Name() string
	Run(ctx context.Context, kind model.Kind, signal func())
}

// ChangeSource はサーバーの変更通知ストリームを提供する。
type ChangeSource interface {
	SubscribeChanges(ctx context.Context, kind model.Kind) (<-chan struct{}, error)
}

// PushStrategy はサーバーの変更通知ストリームを購読する。
// 購読を開始できなかった場合はFallbackに切り替える（同時に動くのはどちらか一方だけ）。
type PushStrategy struct {
	Source   ChangeSource
	Fallback Strategy
	Logger   *slog.Logger
}

func (p *PushStrategy) Name() string { return "push" }

func (p *PushStrategy) Run(ctx context.Context, kind model.Kind, signal func()) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	changes, err := p.Source.SubscribeChanges(ctx, kind)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if p.Fallback == nil {
			logger.Error("change subscription failed", slog.String("error", err.Error()))
			<-ctx.Done()
			return
		}
		logger.Warn("change subscription failed; falling back",
			slog.String("fallback", p.Fallback.Name()),
			slog.String("error", err.Error()),
		)
		p.Fallback.Run(ctx, kind, signal)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			signal()
		}
	}
}

// PollStrategy は固定間隔で再取得を要求する。
type PollStrategy struct {
	Interval time.Duration
}

func (p *PollStrategy) Name() string { return "poll" }

func (p *PollStrategy) Run(ctx context.Context, _ model.Kind, signal func()) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			signal()
		}
	}
}
