package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/digijournal/internal/model"
)

// changeEvent はjournaldが送る変更通知のイベント名。
const changeEvent = "change"

// SubscribeChanges はコレクションの変更通知ストリームを購読する。
// 最初の接続に失敗した場合はエラーを返す。接続後に切断された場合は指数バックオフで再接続し、
// 再接続のたびに1回シグナルを送る（切断中の変更を取りこぼさないため）。
// 返すチャネルは容量1で、未読のシグナルがある間の後続シグナルは1つにまとめられる。
// ctxが終了するとチャネルは閉じられる。
func (s *Store) SubscribeChanges(ctx context.Context, kind model.Kind) (<-chan struct{}, error) {
	body, err := s.openStream(ctx, kind)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go s.consumeStream(ctx, kind, body, out)
	return out, nil
}

func (s *Store) openStream(ctx context.Context, kind model.Kind) (io.ReadCloser, error) {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.collectionURL(kind)+"/changes", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("change stream rejected: %w", decodeStatusError(resp))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("change stream has unexpected content type %q", mt)
	}
	return resp.Body, nil
}

func (s *Store) consumeStream(ctx context.Context, kind model.Kind, body io.ReadCloser, out chan struct{}) {
	defer close(out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	logger := s.logger.With(slog.String("collection", kind.Collection()))

	for {
		err := readEvents(body, func(event string) {
			if event == changeEvent {
				notify(out)
			}
		})
		body.Close()
		if ctx.Err() != nil {
			return
		}
		attrs := []any{}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		logger.Warn("change stream disconnected", attrs...)

		for {
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			body, err = s.openStream(ctx, kind)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("change stream reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
		}

		bo.Reset()
		logger.Info("change stream reconnected")
		notify(out)
	}
}

// readEvents はSSEのイベントを読み、イベント名ごとにonEventを呼ぶ。
// コメント行（":" で始まる行）はハートビートとして無視する。
func readEvents(r io.Reader, onEvent func(event string)) error {
	sc := bufio.NewScanner(r)
	var event string
	var hasData bool

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if hasData || event != "" {
				if event == "" {
					event = "message"
				}
				onEvent(event)
			}
			event, hasData = "", false
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				hasData = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errStreamClosed
}

var errStreamClosed = errors.New("change stream closed by server")

// notify は容量1のチャネルへ非ブロッキングで送る。未読があれば捨てる。
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
