// Package feedsync はコレクション（エッセイ / ノート）のローカルキャッシュをRemote Data Storeと同期する。
package feedsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/model"
)

// DataStore はSynchronizerが必要とするRemote Data Storeの操作。
type DataStore interface {
	List(ctx context.Context, kind model.Kind) ([]model.Post, error)
	Insert(ctx context.Context, draft model.Draft) (*model.Post, error)
	Update(ctx context.Context, kind model.Kind, id string, patch model.Patch) (*model.Post, error)
	Remove(ctx context.Context, kind model.Kind, id string) error
}

// Snapshot はキャッシュの内容。Loadedがfalseの間は未取得で、Postsは表示に使わない。
type Snapshot struct {
	Kind   model.Kind
	Posts  []model.Post
	Loaded bool
}

type lifecycle int

const (
	idle lifecycle = iota
	running
	stopped
)

// ErrAlreadyStarted はStartを2回以上呼んだ場合のエラー。
var ErrAlreadyStarted = errors.New("feedsync: synchronizer already started")

// Synchronizer は1つのコレクションのキャッシュを保持する。
//
// 変更シグナルのたびに全件を再取得する。再取得は専用goroutineで直列に実行し、
// 実行中に届いたシグナルは1回分にまとめる。ローカルの変更操作が完了するたびにepochを進め、
// 開始時のepochと異なる再取得結果は捨てて取り直す（削除済みレコードの復活を防ぐ）。
// Stopのたびにgenerationを進め、停止前に始まった取得結果は反映しない。
type Synchronizer struct {
	kind     model.Kind
	store    DataStore
	strategy Strategy
	logger   *slog.Logger
	metrics  metrics.SyncMetrics

	mu        sync.Mutex
	posts     []model.Post
	loaded    bool
	epoch     uint64
	gen       uint64
	state     lifecycle
	cancel    context.CancelFunc
	stratDone chan struct{}
	listeners map[int]func(Snapshot)
	nextID    int

	kick chan struct{}

	firstOnce sync.Once
	firstDone chan struct{}
	firstErr  error
}

// New はSynchronizerを生成する。metricsはnilでもよい。
func New(kind model.Kind, store DataStore, strategy Strategy, m metrics.SyncMetrics, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		kind:     kind,
		store:    store,
		strategy: strategy,
		logger: logger.With(
			slog.String("component", "feedsync"),
			slog.String("collection", kind.Collection()),
		),
		metrics:   m,
		listeners: make(map[int]func(Snapshot)),
		kick:      make(chan struct{}, 1),
		firstDone: make(chan struct{}),
	}
}

// Kind は同期対象の種別を返す。
func (s *Synchronizer) Kind() model.Kind {
	return s.kind
}

// Start は即時の全件取得を開始し、変更検知のStrategyを起動する。
// 取得結果はSubscribeの購読者とSnapshotで参照する。
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = running
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stratDone = make(chan struct{})
	gen := s.gen
	done := s.stratDone
	s.mu.Unlock()

	s.logger.Info("feed sync started", slog.String("strategy", s.strategy.Name()))

	s.requestRefetch()
	go s.refetchLoop(runCtx, gen)
	go func() {
		defer close(done)
		s.strategy.Run(runCtx, s.kind, s.signal)
	}()
	return nil
}

// Stop はStrategyを停止し、その終了を待つ。実行中の取得は結果を反映しない。
// どの状態から呼んでもよく、2回目以降は何もしない。
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.state != running {
		s.state = stopped
		s.mu.Unlock()
		return
	}
	s.state = stopped
	s.gen++
	cancel := s.cancel
	done := s.stratDone
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("feed sync stopped")
}

// WaitFirstFetch は最初の取得が終わるまで待ち、その結果のエラーを返す。
func (s *Synchronizer) WaitFirstFetch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.firstDone:
		return s.firstErr
	}
}

// Snapshot は現在のキャッシュのコピーを返す。
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe はキャッシュ更新の購読者を登録し、解除関数を返す。
func (s *Synchronizer) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	key := s.nextID
	s.nextID++
	s.listeners[key] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, key)
			s.mu.Unlock()
		})
	}
}

// Create は入力を検証してから投稿を作成し、返されたレコードを並び順の位置へ挿入する。
// 検証エラーの場合はネットワークを使わずに *model.ValidationError を返す。
func (s *Synchronizer) Create(ctx context.Context, draft model.Draft) (*model.Post, error) {
	if draft.Kind == "" {
		draft.Kind = s.kind
	}
	if draft.Kind != s.kind {
		return nil, &model.ValidationError{Field: "kind", Message: "draft kind does not match the feed"}
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	post, err := s.store.Insert(ctx, draft)
	if err != nil {
		s.logger.Warn("create failed", slog.String("error", err.Error()))
		return nil, err
	}

	s.mutate(func() {
		for _, p := range s.posts {
			if p.ID == post.ID {
				return
			}
		}
		s.posts = insertSorted(s.posts, *post)
	})
	return post, nil
}

// Edit は投稿を更新し、成功したらキャッシュ上の同じ位置で置き換える（並べ替えない）。
func (s *Synchronizer) Edit(ctx context.Context, id string, patch model.Patch) (*model.Post, error) {
	if err := patch.Validate(s.kind); err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, s.kind, id, patch)
	if err != nil {
		s.logger.Warn("edit failed", slog.String("id", id), slog.String("error", err.Error()))
		return nil, err
	}

	var result model.Post
	s.mutate(func() {
		for i, p := range s.posts {
			if p.ID != id {
				continue
			}
			next := patch.Apply(p)
			if updated != nil {
				next.Title = updated.Title
				next.Body = updated.Body
				next.Link = updated.Link
			}
			s.posts[i] = next
			result = next
			return
		}
		if updated != nil {
			result = *updated
		}
	})
	return &result, nil
}

// Delete は投稿を削除し、成功したらキャッシュから取り除く。確認は呼び出し側の責務。
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	if err := s.store.Remove(ctx, s.kind, id); err != nil {
		s.logger.Warn("delete failed", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}

	s.mutate(func() {
		for i, p := range s.posts {
			if p.ID == id {
				s.posts = append(s.posts[:i:i], s.posts[i+1:]...)
				return
			}
		}
	})
	return nil
}

// mutate はローカル変更を適用してepochを進め、購読者へ通知する。
func (s *Synchronizer) mutate(apply func()) {
	s.mu.Lock()
	apply()
	s.epoch++
	snap := s.snapshotLocked()
	fns := s.listenersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// signal はStrategyからの変更シグナル。
func (s *Synchronizer) signal() {
	if s.metrics != nil {
		s.metrics.RecordChangeSignal(s.kind.Collection())
	}
	s.requestRefetch()
}

// requestRefetch は再取得を要求する。未処理の要求があれば1つにまとめる。
func (s *Synchronizer) requestRefetch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) refetchLoop(ctx context.Context, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.refetch(ctx, gen)
		}
	}
}

func (s *Synchronizer) refetch(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	start := time.Now()
	posts, err := s.store.List(ctx, s.kind)
	if s.metrics != nil {
		s.metrics.RecordRefetch(s.kind.Collection(), err, time.Since(start))
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("discarding fetch result after stop")
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("feed refetch failed; keeping previous snapshot", slog.String("error", err.Error()))
		s.finishFirst(err)
		return
	}
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding refetch that overlapped a local change")
		s.requestRefetch()
		return
	}

	sorted := make([]model.Post, len(posts))
	copy(sorted, posts)
	model.SortPosts(sorted)
	s.posts = sorted
	s.loaded = true
	snap := s.snapshotLocked()
	fns := s.listenersLocked()
	s.mu.Unlock()

	s.finishFirst(nil)
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Synchronizer) finishFirst(err error) {
	s.firstOnce.Do(func() {
		s.firstErr = err
		close(s.firstDone)
	})
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	snap := Snapshot{Kind: s.kind, Loaded: s.loaded}
	if s.loaded {
		snap.Posts = make([]model.Post, len(s.posts))
		copy(snap.Posts, s.posts)
	}
	return snap
}

func (s *Synchronizer) listenersLocked() []func(Snapshot) {
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// insertSorted はpostsの並び順を保ったままpを挿入する。
func insertSorted(posts []model.Post, p model.Post) []model.Post {
	i := 0
	for i < len(posts) && model.Newer(posts[i], p) {
		i++
	}
	posts = append(posts, model.Post{})
	copy(posts[i+1:], posts[i:])
	posts[i] = p
	return posts
}
