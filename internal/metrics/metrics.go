// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerMetrics はjournaldのハンドラーと変更通知ハブが使うメトリクス。
type ServerMetrics interface {
	RecordMutation(collection, op, outcome string)
	RecordChangeBroadcast(collection string, subscribers int)
	StreamOpened(collection string)
	StreamClosed(collection string)
	RecordHTTPStatus(statusCode int)
}

// SyncMetrics はクライアントのフィード同期が使うメトリクス。
type SyncMetrics interface {
	RecordRefetch(collection string, err error, duration time.Duration)
	RecordChangeSignal(collection string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	mutations      *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	broadcastFan   prometheus.Histogram
	activeStreams  *prometheus.GaugeVec
	httpStatus     *prometheus.CounterVec
	refetches      *prometheus.CounterVec
	refetchLatency *prometheus.HistogramVec
	changeSignals  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digijournal_mutations_total",
			Help: "投稿の作成・更新・削除の結果別の合計数",
		}, []string{"collection", "op", "outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digijournal_change_broadcasts_total",
			Help: "変更通知の配信回数",
		}, []string{"collection"}),
		broadcastFan: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digijournal_change_broadcast_subscribers",
			Help:    "1回の変更通知で配信した購読者数",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "digijournal_change_streams_active",
			Help: "接続中の変更通知ストリーム数",
		}, []string{"collection"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digijournal_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digijournal_feed_refetch_total",
			Help: "フィード再取得の結果別の合計数",
		}, []string{"collection", "outcome"}),
		refetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "digijournal_feed_refetch_latency_seconds",
			Help:    "フィード再取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),
		changeSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digijournal_feed_change_signals_total",
			Help: "クライアントが受け取った変更シグナル数",
		}, []string{"collection"}),
	}

	reg.MustRegister(
		c.mutations,
		c.broadcasts,
		c.broadcastFan,
		c.activeStreams,
		c.httpStatus,
		c.refetches,
		c.refetchLatency,
		c.changeSignals,
	)

	return c
}

// RecordMutation は書き込み操作の結果を記録する。outcomeはok / rejected / error。
func (c *Collector) RecordMutation(collection, op, outcome string) {
	c.mutations.WithLabelValues(collection, op, outcome).Inc()
}

// RecordChangeBroadcast は変更通知の配信を記録する。
func (c *Collector) RecordChangeBroadcast(collection string, subscribers int) {
	c.broadcasts.WithLabelValues(collection).Inc()
	c.broadcastFan.Observe(float64(subscribers))
}

// StreamOpened はSSEストリームの接続を記録する。
func (c *Collector) StreamOpened(collection string) {
	c.activeStreams.WithLabelValues(collection).Inc()
}

// StreamClosed はSSEストリームの切断を記録する。
func (c *Collector) StreamClosed(collection string) {
	c.activeStreams.WithLabelValues(collection).Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRefetch はフィード再取得の結果とレイテンシを記録する。
func (c *Collector) RecordRefetch(collection string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.refetches.WithLabelValues(collection, outcome).Inc()
	c.refetchLatency.WithLabelValues(collection).Observe(duration.Seconds())
}

// RecordChangeSignal は変更シグナルの受信を記録する。
func (c *Collector) RecordChangeSignal(collection string) {
	c.changeSignals.WithLabelValues(collection).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ ServerMetrics = (*Collector)(nil)
	_ SyncMetrics   = (*Collector)(nil)
)
