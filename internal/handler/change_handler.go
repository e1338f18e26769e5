package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/middleware"
	"github.com/hitoshi/digijournal/internal/model"
)

// ChangeSubscriber は変更シグナルの購読を提供する。notify.Hubが実装する。
type ChangeSubscriber interface {
	Subscribe(kind model.Kind) (<-chan struct{}, func())
}

// ChangeHandler はコレクションの変更をServer-Sent Eventsで配信する。
// イベントは「何かが変わった」ことだけを伝え、内容は含めない。
type ChangeHandler struct {
	changes   ChangeSubscriber
	heartbeat time.Duration
	metrics   metrics.ServerMetrics
}

// NewChangeHandler はChangeHandlerを生成する。metricsはnilでもよい。
func NewChangeHandler(changes ChangeSubscriber, heartbeat time.Duration, m metrics.ServerMetrics) *ChangeHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &ChangeHandler{changes: changes, heartbeat: heartbeat, metrics: m}
}

// Stream は変更ストリームを配信する。クライアントが切断するまで戻らない。
// GET /api/{collection}/changes
func (h *ChangeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutはストリームには適用しない
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("failed to clear write deadline", slog.String("error", err.Error()))
	}

	signals, cancel := h.changes.Subscribe(kind)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// 接続直後のコメントで購読開始をクライアントに伝える
	if _, err := fmt.Fprint(w, ": subscribed\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("change stream cannot be flushed", slog.String("error", err.Error()))
		return
	}

	collection := kind.Collection()
	if h.metrics != nil {
		h.metrics.StreamOpened(collection)
		defer h.metrics.StreamClosed(collection)
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var seq int64
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-signals:
			seq++
			_, err = fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", seq, collection)
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": ping\n\n")
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			slog.Debug("change stream closed",
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// streamingSupported はResponseWriterがフラッシュ可能かを返す。
func streamingSupported(w http.ResponseWriter) bool {
	for {
		if _, ok := w.(http.Flusher); ok {
			return true
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return false
		}
		w = u.Unwrap()
	}
}

// requireStreaming はフラッシュできないResponseWriterに501を返すミドルウェア。
func requireStreaming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !streamingSupported(w) {
			middleware.WriteAPIError(w, model.NewStreamingUnsupportedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}
