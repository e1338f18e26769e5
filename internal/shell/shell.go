// Package shell はアプリケーション全体の画面状態（ルート、アクティブなフィード、フォーム）を管理する。
package shell

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"github.com/hitoshi/digijournal/internal/feedsync"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/redirect"
	"github.com/hitoshi/digijournal/internal/session"
)

// Route は表示中の画面。
type Route int

const (
	RouteLoading Route = iota
	RouteCompletingRedirect
	RouteUnauthenticated
	RouteAuthenticated
)

func (r Route) String() string {
	switch r {
	case RouteCompletingRedirect:
		return "completing_redirect"
	case RouteUnauthenticated:
		return "unauthenticated"
	case RouteAuthenticated:
		return "authenticated"
	default:
		return "loading"
	}
}

// ErrNotAuthenticated は未認証の状態で投稿操作を行った場合のエラー。
var ErrNotAuthenticated = errors.New("not signed in")

// ErrNoPendingDelete は確認待ちの削除が無い状態でConfirmDeleteを呼んだ場合のエラー。
var ErrNoPendingDelete = errors.New("no delete awaiting confirmation")

// SessionManager はShellが必要とする認証状態の操作。
type SessionManager interface {
	Startup(ctx context.Context)
	Current() session.Snapshot
	ObserveChanges(fn func(session.Snapshot)) func()
	RequestSignIn(ctx context.Context) error
	RequestSignOut(ctx context.Context)
}

// RedirectHandler はリダイレクト完了の処理。
type RedirectHandler interface {
	IsCompletion(loc *url.URL) bool
	Complete(ctx context.Context, loc *url.URL, alreadyComplete bool) redirect.Result
}

// Feed はアクティブなフィードの同期。*feedsync.Synchronizer が実装する。
type Feed interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() feedsync.Snapshot
	Subscribe(fn func(feedsync.Snapshot)) func()
	Create(ctx context.Context, draft model.Draft) (*model.Post, error)
	Edit(ctx context.Context, id string, patch model.Patch) (*model.Post, error)
	Delete(ctx context.Context, id string) error
}

// FeedFactory は種別ごとに新しいFeedを生成する。
type FeedFactory func(kind model.Kind) Feed

// ComposeForm は作成フォームの状態。失敗時は入力値を保持する。
type ComposeForm struct {
	Open  bool
	Draft model.Draft
	Err   string
}

// EditForm は編集フォームの状態。Valuesは直近に送信しようとした値。
type EditForm struct {
	PostID string
	Values model.Patch
	Err    string
}

// View は描画に必要な状態のスナップショット。
type View struct {
	Route         Route
	Session       *model.Session
	Variant       model.Kind
	Feed          feedsync.Snapshot
	Compose       ComposeForm
	Edit          *EditForm
	PendingDelete string
	RefreshToken  uint64
	Notice        string
	Location      *url.URL
}

// Shell はアプリケーションのルートコンポーネント。
// アクティブな種別のFeedだけをマウントし、種別の切り替えと手動リフレッシュのたびに作り直す。
type Shell struct {
	sessions SessionManager
	redirect RedirectHandler
	newFeed  FeedFactory
	logger   *slog.Logger

	// mountMu はフィードのマウントと停止を直列化する
	mountMu sync.Mutex

	mu               sync.Mutex
	ctx              context.Context
	route            Route
	completing       bool
	sess             *model.Session
	variant          model.Kind
	compose          ComposeForm
	edit             *EditForm
	pendingDelete    string
	refreshToken     uint64
	notice           string
	redirectComplete bool
	location         *url.URL
	feed             Feed
	feedUnsub        func()
	unobserve        func()
	listeners        map[int]func(View)
	nextID           int
}

// New はShellを生成する。初期の種別はエッセイ。
func New(sessions SessionManager, rh RedirectHandler, newFeed FeedFactory, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		sessions:  sessions,
		redirect:  rh,
		newFeed:   newFeed,
		logger:    logger.With(slog.String("component", "shell")),
		route:     RouteLoading,
		variant:   model.KindEssay,
		listeners: make(map[int]func(View)),
	}
}

// Start は認証状態の監視を始める。locがリダイレクト完了アドレスで、
// まだ完了処理をしていなければ先にリダイレクト完了を処理する。
func (s *Shell) Start(ctx context.Context, loc *url.URL) {
	s.mu.Lock()
	s.ctx = ctx
	s.location = loc
	s.mu.Unlock()

	unobserve := s.sessions.ObserveChanges(s.applySession)
	s.mu.Lock()
	s.unobserve = unobserve
	s.mu.Unlock()

	s.CompleteRedirect(ctx, loc)

	s.sessions.Startup(ctx)
	s.applySession(s.sessions.Current())
}

// CompleteRedirect はlocがリダイレクト完了アドレスであれば、このShellで1度だけ完了処理を行う。
func (s *Shell) CompleteRedirect(ctx context.Context, loc *url.URL) redirect.Result {
	s.mu.Lock()
	done := s.redirectComplete
	if done || !s.redirect.IsCompletion(loc) {
		s.mu.Unlock()
		return redirect.Result{Outcome: redirect.OutcomeSkipped, Location: loc}
	}
	s.completing = true
	s.route = RouteCompletingRedirect
	s.mu.Unlock()
	s.publish()

	res := s.redirect.Complete(ctx, loc, done)

	s.mu.Lock()
	s.redirectComplete = true
	s.completing = false
	s.location = res.Location
	if res.Outcome == redirect.OutcomeUnauthenticated {
		s.notice = res.Message
	}
	s.mu.Unlock()

	s.applySession(s.sessions.Current())
	return res
}

// applySession は認証状態の変化を画面状態へ反映する。
func (s *Shell) applySession(snap session.Snapshot) {
	s.mu.Lock()
	if s.completing {
		s.mu.Unlock()
		return
	}

	switch snap.State {
	case session.StateAuthenticated:
		s.route = RouteAuthenticated
		s.sess = snap.Session
		needMount := s.feed == nil
		s.mu.Unlock()
		if needMount {
			s.remount()
			return
		}
	case session.StateUnauthenticated:
		s.route = RouteUnauthenticated
		s.sess = nil
		s.resetFormsLocked()
		s.mu.Unlock()
		s.unmount()
	default:
		s.route = RouteLoading
		s.mu.Unlock()
	}
	s.publish()
}

// SelectVariant はアクティブな種別を切り替え、フィードを作り直す。
func (s *Shell) SelectVariant(kind model.Kind) {
	s.mu.Lock()
	if kind == s.variant || !kind.Valid() {
		s.mu.Unlock()
		return
	}
	s.variant = kind
	s.resetFormsLocked()
	authenticated := s.route == RouteAuthenticated
	s.mu.Unlock()

	if authenticated {
		s.remount()
		return
	}
	s.publish()
}

// Refresh はリフレッシュトークンを進め、アクティブなフィードを作り直す。
func (s *Shell) Refresh() {
	s.mu.Lock()
	s.refreshToken++
	authenticated := s.route == RouteAuthenticated
	s.mu.Unlock()

	if authenticated {
		s.remount()
		return
	}
	s.publish()
}

// remount は現在のフィードを停止し、アクティブな種別の新しいフィードを開始する。
func (s *Shell) remount() {
	s.mountMu.Lock()
	defer s.mountMu.Unlock()

	s.unmountLocked()

	s.mu.Lock()
	if s.route != RouteAuthenticated {
		s.mu.Unlock()
		s.publish()
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	kind := s.variant
	feed := s.newFeed(kind)
	s.feed = feed
	s.mu.Unlock()

	unsub := feed.Subscribe(func(feedsync.Snapshot) {
		s.mu.Lock()
		current := s.feed == feed
		s.mu.Unlock()
		if current {
			s.publish()
		}
	})
	s.mu.Lock()
	s.feedUnsub = unsub
	s.mu.Unlock()

	if err := feed.Start(ctx); err != nil {
		s.logger.Error("failed to start feed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
	s.logger.Debug("feed mounted", slog.String("kind", string(kind)))
	s.publish()
}

func (s *Shell) unmount() {
	s.mountMu.Lock()
	defer s.mountMu.Unlock()
	s.unmountLocked()
}

// unmountLocked はmountMu保持中に呼ぶ。
func (s *Shell) unmountLocked() {
	s.mu.Lock()
	feed := s.feed
	unsub := s.feedUnsub
	s.feed = nil
	s.feedUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if feed != nil {
		feed.Stop()
	}
}

// activeFeed は認証済みでマウント中のフィードを返す。
func (s *Shell) activeFeed() (Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.route != RouteAuthenticated || s.feed == nil {
		return nil, ErrNotAuthenticated
	}
	return s.feed, nil
}

// OpenCompose は作成フォームを開く。
func (s *Shell) OpenCompose() {
	s.mu.Lock()
	s.compose.Open = true
	s.compose.Draft.Kind = s.variant
	s.mu.Unlock()
	s.publish()
}

// CloseCompose は作成フォームを閉じ、入力値を破棄する。
func (s *Shell) CloseCompose() {
	s.mu.Lock()
	s.compose = ComposeForm{}
	s.mu.Unlock()
	s.publish()
}

// SubmitCompose はアクティブなフィードに投稿を作成する。
// 成功するとフォームは閉じて空になり、失敗するとエラーメッセージと入力値を保持する。
func (s *Shell) SubmitCompose(ctx context.Context, draft model.Draft) (*model.Post, error) {
	feed, err := s.activeFeed()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	draft.Kind = s.variant
	s.compose = ComposeForm{Open: true, Draft: draft}
	s.mu.Unlock()

	post, err := feed.Create(ctx, draft)

	s.mu.Lock()
	if err != nil {
		s.compose.Err = userMessage(err)
	} else {
		s.compose = ComposeForm{}
	}
	s.mu.Unlock()
	s.publish()
	return post, err
}

// BeginEdit は投稿の編集フォームを現在の値で開く。
func (s *Shell) BeginEdit(id string) error {
	feed, err := s.activeFeed()
	if err != nil {
		return err
	}
	for _, p := range feed.Snapshot().Posts {
		if p.ID == id {
			s.mu.Lock()
			s.edit = &EditForm{PostID: id, Values: model.PatchFrom(p)}
			s.mu.Unlock()
			s.publish()
			return nil
		}
	}
	return model.NewPostNotFoundError(id)
}

// SubmitEdit は編集中の投稿を更新する。失敗時は送信しようとした値とエラーを保持する。
func (s *Shell) SubmitEdit(ctx context.Context, patch model.Patch) (*model.Post, error) {
	feed, err := s.activeFeed()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.edit == nil {
		s.mu.Unlock()
		return nil, errors.New("no post is being edited")
	}
	id := s.edit.PostID
	s.edit.Values = patch
	s.edit.Err = ""
	s.mu.Unlock()

	post, err := feed.Edit(ctx, id, patch)

	s.mu.Lock()
	if s.edit != nil && s.edit.PostID == id {
		if err != nil {
			s.edit.Err = userMessage(err)
		} else {
			s.edit = nil
		}
	}
	s.mu.Unlock()
	s.publish()
	return post, err
}

// CancelEdit は編集フォームを閉じる。
func (s *Shell) CancelEdit() {
	s.mu.Lock()
	s.edit = nil
	s.mu.Unlock()
	s.publish()
}

// RequestDelete は削除の確認待ち状態にする。
func (s *Shell) RequestDelete(id string) {
	s.mu.Lock()
	s.pendingDelete = id
	s.mu.Unlock()
	s.publish()
}

// CancelDelete は削除の確認を取り消す。
func (s *Shell) CancelDelete() {
	s.mu.Lock()
	s.pendingDelete = ""
	s.mu.Unlock()
	s.publish()
}

// ConfirmDelete は確認待ちの投稿を削除する。失敗時は一時メッセージを表示する。
func (s *Shell) ConfirmDelete(ctx context.Context) error {
	feed, err := s.activeFeed()
	if err != nil {
		return err
	}
	s.mu.Lock()
	id := s.pendingDelete
	s.pendingDelete = ""
	s.mu.Unlock()
	if id == "" {
		return ErrNoPendingDelete
	}

	err = feed.Delete(ctx, id)
	if err != nil {
		s.ShowNotice(userMessage(err))
		return err
	}
	s.publish()
	return nil
}

// SignIn はサインインを開始する。
func (s *Shell) SignIn(ctx context.Context) error {
	return s.sessions.RequestSignIn(ctx)
}

// SignOut はサインアウトする。状態は同期的にunauthenticatedになる。
func (s *Shell) SignOut(ctx context.Context) {
	s.sessions.RequestSignOut(ctx)
}

// ShowNotice は一時メッセージを表示する。
func (s *Shell) ShowNotice(msg string) {
	s.mu.Lock()
	s.notice = msg
	s.mu.Unlock()
	s.publish()
}

// ClearNotice は一時メッセージを消す。
func (s *Shell) ClearNotice() {
	s.ShowNotice("")
}

// View は現在の画面状態を返す。
func (s *Shell) View() View {
	s.mu.Lock()
	feed := s.feed
	v := View{
		Route:         s.route,
		Session:       s.sess,
		Variant:       s.variant,
		Compose:       s.compose,
		PendingDelete: s.pendingDelete,
		RefreshToken:  s.refreshToken,
		Notice:        s.notice,
		Location:      s.location,
	}
	if s.edit != nil {
		e := *s.edit
		v.Edit = &e
	}
	s.mu.Unlock()

	if feed != nil {
		v.Feed = feed.Snapshot()
	} else {
		v.Feed = feedsync.Snapshot{Kind: v.Variant}
	}
	return v
}

// Subscribe は画面状態の変化を購読する。
func (s *Shell) Subscribe(fn func(View)) func() {
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

// Close はフィードを停止し、認証状態の監視を解除する。
func (s *Shell) Close() {
	s.mu.Lock()
	unobserve := s.unobserve
	s.unobserve = nil
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	s.unmount()
}

func (s *Shell) publish() {
	v := s.View()
	s.mu.Lock()
	fns := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Shell) resetFormsLocked() {
	s.compose = ComposeForm{}
	s.edit = nil
	s.pendingDelete = ""
}

// userMessage はエラーを画面表示用のメッセージにする。
func userMessage(err error) string {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var we *model.RemoteWriteError
	if errors.As(err, &we) {
		if we.NotAuthor() {
			return "You can only change your own posts."
		}
		return "Could not save your changes. Please try again."
	}
	if errors.Is(err, model.ErrNoSession) {
		return "Your session has ended. Please sign in again."
	}
	return err.Error()
}
