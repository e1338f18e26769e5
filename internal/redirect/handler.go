// Package redirect はIdPからのリダイレクト完了（サインインの戻り）を処理する。
package redirect

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

// DefaultGrace は失敗時にメッセージを表示しておく時間。
const DefaultGrace = 3 * time.Second

// Resolver はリダイレクト完了アドレスからセッションを確立する。
type Resolver interface {
	CompleteRedirect(ctx context.Context, loc *url.URL) (*model.Session, error)
}

// Outcome はリダイレクト処理の結果。
type Outcome int

const (
	// OutcomeSkipped は完了済み、またはリダイレクト完了アドレスではなかったことを表す。
	OutcomeSkipped Outcome = iota
	OutcomeAuthenticated
	OutcomeUnauthenticated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	default:
		return "skipped"
	}
}

// Result はComplete の戻り値。Locationは完了マーカーを取り除いたアドレス。
type Result struct {
	Outcome  Outcome
	Session  *model.Session
	Message  string
	Location *url.URL
}

// Config はHandlerの設定。
type Config struct {
	// CallbackPath はリダイレクト完了ルートのパス。
	CallbackPath string
	// Grace は解決の待ち時間の上限であり、失敗時のメッセージ表示時間でもある。
	Grace time.Duration
	// Notice は失敗時の一時メッセージを表示する。nilなら表示しない。
	Notice func(msg string)
}

// Handler はリダイレクト完了を1回だけ解決する。
type Handler struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration)
}

// NewHandler はHandlerを生成する。
func NewHandler(resolver Resolver, cfg Config, logger *slog.Logger) *Handler {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "redirect")),
		now:      time.Now,
		wait:     sleepContext,
	}
}

// 完了マーカーとみなすクエリ・fragmentのキー。
var (
	queryMarkers    = []string{"code", "error"}
	fragmentMarkers = []string{"access_token", "error"}
	strippedKeys    = []string{"code", "state", "error", "error_description", "error_code"}
)

// IsCompletion はアドレスがリダイレクト完了を表すかを返す。
func (h *Handler) IsCompletion(loc *url.URL) bool {
	if loc == nil {
		return false
	}
	if h.cfg.CallbackPath != "" && loc.Path == h.cfg.CallbackPath {
		return true
	}
	q := loc.Query()
	for _, k := range queryMarkers {
		if q.Has(k) {
			return true
		}
	}
	frag, _ := url.ParseQuery(loc.Fragment)
	for _, k := range fragmentMarkers {
		if frag.Has(k) {
			return true
		}
	}
	return false
}

// Complete はリダイレクト完了を解決する。alreadyCompleteはこのプロセスで既に完了処理を
// 行ったかを呼び出し側が保持するフラグで、trueなら何もしない。
// 解決は1回だけ試み、Graceを上限に待つ。成功しなかった場合は一時メッセージを出し、
// 解決に使った時間を差し引いた残りのGraceだけ待ってから完了を返す。
// 呼び出しから戻るまでの時間は成否によらずGraceを超えない。
// いずれの場合もLocationからマーカーを取り除く。
func (h *Handler) Complete(ctx context.Context, loc *url.URL, alreadyComplete bool) Result {
	if alreadyComplete || !h.IsCompletion(loc) {
		return Result{Outcome: OutcomeSkipped, Location: loc}
	}

	clean := CleanLocation(loc, h.cfg.CallbackPath)
	start := h.now()

	resolveCtx, cancel := context.WithTimeout(ctx, h.cfg.Grace)
	session, err := h.resolver.CompleteRedirect(resolveCtx, loc)
	cancel()

	if err == nil && session != nil {
		h.logger.Info("redirect completed", slog.String("subject", session.Subject))
		return Result{Outcome: OutcomeAuthenticated, Session: session, Location: clean}
	}

	msg := failureMessage(err)
	attrs := []any{slog.String("message", msg)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Warn("redirect did not produce a session", attrs...)

	if h.cfg.Notice != nil {
		h.cfg.Notice(msg)
	}
	if remaining := h.cfg.Grace - h.now().Sub(start); remaining > 0 {
		h.wait(ctx, remaining)
	}

	return Result{Outcome: OutcomeUnauthenticated, Message: msg, Location: clean}
}

// CleanLocation は完了マーカーを取り除いたアドレスを返す。
// コールバックルート上であればルートアドレスへ戻す。
func CleanLocation(loc *url.URL, callbackPath string) *url.URL {
	if loc == nil {
		return nil
	}
	clean := *loc
	clean.Fragment = ""
	clean.RawFragment = ""

	q := clean.Query()
	for _, k := range strippedKeys {
		q.Del(k)
	}
	clean.RawQuery = q.Encode()

	if callbackPath != "" && clean.Path == callbackPath {
		clean.Path = "/"
		clean.RawPath = ""
	}
	return &clean
}

func failureMessage(err error) string {
	switch {
	case err == nil:
		return "Sign-in did not complete. Please try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "Sign-in timed out. Please try again."
	default:
		var ae *model.AuthError
		if errors.As(err, &ae) && ae.Err != nil {
			return "Sign-in failed: " + ae.Err.Error()
		}
		return "Sign-in failed. Please try again."
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
