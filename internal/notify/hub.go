// Package notify はPostgreSQLのLISTEN/NOTIFYで受けた変更通知を
// コレクションごとの購読者へ配信する。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/model"
)

// Source は変更通知の受信元。*pq.Listener をPQSourceで包んで使う。
type Source interface {
	Listen(channel string) error
	Notifications() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PQSource は *pq.Listener をSourceとして扱うためのアダプタ。
type PQSource struct {
	*pq.Listener
}

// Notifications は受信チャネルを返す。
// 再接続時にはnilの通知が届き、その間の通知は失われている可能性がある。
func (s PQSource) Notifications() <-chan *pq.Notification {
	return s.Notify
}

// NewPQSource はpq.Listenerを生成する。接続状態の変化はloggerに記録する。
func NewPQSource(databaseURL string, logger *slog.Logger) PQSource {
	l := pq.NewListener(databaseURL, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("change listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("change listener disconnected", slog.Any("error", err))
		case pq.ListenerEventReconnected:
			logger.Info("change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("change listener connection attempt failed", slog.Any("error", err))
		}
	})
	return PQSource{Listener: l}
}

// Hub は変更シグナルを購読者へファンアウトする。
// 各購読チャネルは容量1で、未読のシグナルがある間の後続シグナルは1つにまとめられる。
type Hub struct {
	source       Source
	channel      string
	pingInterval time.Duration
	logger       *slog.Logger
	metrics      metrics.ServerMetrics

	mu   sync.Mutex
	subs map[model.Kind]map[chan struct{}]struct{}
}

// NewHub はHubを生成する。metricsはnilでもよい。
func NewHub(source Source, channel string, pingInterval time.Duration, logger *slog.Logger, m metrics.ServerMetrics) *Hub {
	return &Hub{
		source:       source,
		channel:      channel,
		pingInterval: pingInterval,
		logger:       logger,
		metrics:      m,
		subs:         make(map[model.Kind]map[chan struct{}]struct{}),
	}
}

// Subscribe は指定種別の変更シグナルを受け取るチャネルと解除関数を返す。
// 解除関数は何度呼んでもよい。
func (h *Hub) Subscribe(kind model.Kind) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[kind] == nil {
		h.subs[kind] = make(map[chan struct{}]struct{})
	}
	h.subs[kind][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[kind], ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers は指定種別の購読者数を返す。
func (h *Hub) Subscribers(kind model.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[kind])
}

// Publish は指定種別の全購読者にシグナルを送る。送信はブロックしない。
func (h *Hub) Publish(kind model.Kind) {
	h.mu.Lock()
	n := 0
	for ch := range h.subs[kind] {
		select {
		case ch <- struct{}{}:
		default:
		}
		n++
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordChangeBroadcast(kind.Collection(), n)
	}
}

// Run はLISTENを開始し、ctxがキャンセルされるまで通知を配信する。
func (h *Hub) Run(ctx context.Context) error {
	if err := h.source.Listen(h.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.channel, err)
	}
	defer h.source.Close()

	h.logger.Info("change hub started", slog.String("channel", h.channel))

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("change hub stopped")
			return nil
		case n, ok := <-h.source.Notifications():
			if !ok {
				return fmt.Errorf("change listener closed")
			}
			h.dispatch(n)
		case <-ticker.C:
			if err := h.source.Ping(); err != nil {
				h.logger.Warn("change listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch は通知のペイロード（テーブル名）から種別を決めて配信する。
// nilは再接続を意味し、取りこぼしに備えて全種別へ配信する。
func (h *Hub) dispatch(n *pq.Notification) {
	if n == nil {
		for _, kind := range model.Kinds() {
			h.Publish(kind)
		}
		return
	}

	kind, err := model.ParseKind(n.Extra)
	if err != nil {
		h.logger.Warn("ignoring change notification for unknown collection",
			slog.String("payload", n.Extra),
		)
		return
	}
	h.Publish(kind)
}
