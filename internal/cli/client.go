package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/digijournal/internal/config"
	"github.com/hitoshi/digijournal/internal/feedsync"
	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/redirect"
	"github.com/hitoshi/digijournal/internal/remote"
	"github.com/hitoshi/digijournal/internal/session"
	"github.com/hitoshi/digijournal/internal/shell"
)

// errNotSignedIn は未認証で認証が必要なコマンドを実行した場合のエラー。
var errNotSignedIn = errors.New("not signed in; run `journal login` first")

// Client はクライアント側のコンポーネントを組み立てたもの。
type Client struct {
	Config   *config.ClientConfig
	Identity *remote.Identity
	Store    *remote.Store
	Sessions *session.Manager
	Registry *prometheus.Registry
	Logger   *slog.Logger

	metrics metrics.SyncMetrics
}

// NewClient は設定からClientを組み立てる。
func NewClient(cfg *config.ClientConfig, nav remote.Navigator, logger *slog.Logger) *Client {
	httpClient := remote.DefaultHTTPClient(cfg.RequestTimeout)

	identity := remote.NewIdentity(remote.IdentityConfig{
		ServerURL:  cfg.ServerURL,
		HTTPClient: httpClient,
	}, remote.NewFileTokenStore(cfg.TokenFile), nav, logger)

	store := remote.NewStore(remote.StoreConfig{
		ServerURL:  cfg.ServerURL,
		HTTPClient: httpClient,
	}, identity, logger)

	registry := prometheus.NewRegistry()

	return &Client{
		Config:   cfg,
		Identity: identity,
		Store:    store,
		Sessions: session.NewManager(identity, store, cfg.ReturnAddress(), logger),
		Registry: registry,
		Logger:   logger,
		metrics:  metrics.NewCollector(registry),
	}
}

// NewFeed は設定の同期方式でkindのSynchronizerを生成する。
// pushの購読を開始できない場合はpollに切り替える。
func (c *Client) NewFeed(kind model.Kind) *feedsync.Synchronizer {
	poll := &feedsync.PollStrategy{Interval: c.Config.PollInterval}

	var strategy feedsync.Strategy = poll
	if c.Config.SyncMode == config.SyncModePush {
		strategy = &feedsync.PushStrategy{Source: c.Store, Fallback: poll, Logger: c.Logger}
	}
	return feedsync.New(kind, c.Store, strategy, c.metrics, c.Logger)
}

// NewShell はShellを生成する。リダイレクト失敗時のメッセージはShellの一時メッセージに出す。
func (c *Client) NewShell() *shell.Shell {
	var sh *shell.Shell
	rh := redirect.NewHandler(c.Identity, redirect.Config{
		CallbackPath: c.Config.CallbackPath,
		Grace:        c.Config.RedirectGrace,
		Notice:       func(msg string) { sh.ShowNotice(msg) },
	}, c.Logger)

	sh = shell.New(c.Sessions, rh, func(kind model.Kind) shell.Feed {
		return c.NewFeed(kind)
	}, c.Logger)
	return sh
}

// MetricsHandler はクライアント側の同期メトリクスを公開するハンドラーを返す。
func (c *Client) MetricsHandler() http.Handler {
	return metrics.Handler(c.Registry)
}

// Close はセッション管理のリスナーを解除する。
func (c *Client) Close() {
	c.Sessions.Close()
}

// requireSession は起動時のセッション確認を行い、認証済みでなければエラーを返す。
func (c *Client) requireSession(ctx context.Context) (*model.Session, error) {
	c.Sessions.Startup(ctx)
	snap := c.Sessions.Current()
	if snap.State != session.StateAuthenticated {
		return nil, errNotSignedIn
	}
	return snap.Session, nil
}

// startShell はShellを起動し、認証済みであることを確認する。
func (c *Client) startShell(ctx context.Context) (*shell.Shell, error) {
	sh := c.NewShell()
	sh.Start(ctx, nil)
	if sh.View().Route != shell.RouteAuthenticated {
		sh.Close()
		return nil, errNotSignedIn
	}
	return sh, nil
}

// waitForView はpredを満たす画面状態になるまで待つ。
func waitForView(ctx context.Context, sh *shell.Shell, timeout time.Duration, pred func(shell.View) bool) (shell.View, error) {
	changed := make(chan struct{}, 1)
	cancel := sh.Subscribe(func(shell.View) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		v := sh.View()
		if pred(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-timer.C:
			return v, fmt.Errorf("timed out after %s", timeout)
		case <-changed:
		}
	}
}

// openFeed はkindのフィードをShellでマウントし、最初の取得が終わるまで待つ。
func (c *Client) openFeed(ctx context.Context, sh *shell.Shell, kind model.Kind) (shell.View, error) {
	sh.SelectVariant(kind)
	v, err := waitForView(ctx, sh, c.Config.RequestTimeout, func(v shell.View) bool {
		return v.Variant == kind && v.Feed.Kind == kind && v.Feed.Loaded
	})
	if err != nil {
		return v, fmt.Errorf("failed to load %s: %w", kind.Collection(), err)
	}
	return v, nil
}
