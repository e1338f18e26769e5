// Package app はjournaldの起動とワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/digijournal/internal/auth"
	"github.com/hitoshi/digijournal/internal/config"
	"github.com/hitoshi/digijournal/internal/database"
	"github.com/hitoshi/digijournal/internal/handler"
	"github.com/hitoshi/digijournal/internal/journal"
	"github.com/hitoshi/digijournal/internal/logger"
	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/middleware"
	"github.com/hitoshi/digijournal/internal/notify"
	"github.com/hitoshi/digijournal/internal/repository"
	"github.com/hitoshi/digijournal/internal/security"
	"github.com/hitoshi/digijournal/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はjournaldのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting journald",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はIdentity ProviderとRemote Data StoreのAPIサーバーを起動する。
// HTTPサーバーと変更通知ハブをerrgroupで並行実行し、
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	tokenRepo := repository.NewPostgresRefreshTokenRepo(db)
	codeRepo := repository.NewPostgresAuthCodeRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleIdP(auth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	issuer := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: cfg.TokenSecret,
		Issuer: cfg.TokenIssuer,
		TTL:    cfg.AccessTokenTTL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, tokenRepo, codeRepo, issuer,
		auth.ServiceConfig{
			AuthCodeTTL:     cfg.AuthCodeTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
		},
	)
	journalService := journal.NewService(postRepo, profileRepo, security.NewTextSanitizer())

	// 5. 変更通知ハブ
	hubLogger := slog.Default().With(slog.String("component", "notify"))
	hub := notify.NewHub(
		notify.NewPQSource(cfg.DatabaseURL, hubLogger),
		cfg.NotifyChannel, cfg.NotifyPingInterval, hubLogger, collector,
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TokenVerifier:     authService,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			AllowedRedirects: cfg.AllowedRedirects,
			CookieDomain:     cfg.CookieDomain,
			CookieSecure:     cfg.CookieSecure,
		},

		JournalService: journalService,

		Changes:      hub,
		SSEHeartbeat: cfg.SSEHeartbeat,

		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	})

	// 7. HTTPサーバーと変更通知ハブの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("server listen error: %w", err)
	}

	slog.Info("API server starting", slog.String("addr", server.Addr))
	if err := serve(ctx, server, ln, shutdownTimeout, hub.Run); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// shutdownTimeout は処理中のリクエストの完了を待つ上限。
const shutdownTimeout = 30 * time.Second

// serve はlnでserverを動かし、並行してbackgroundを実行する。
// ctxの終了かどちらかの失敗で停止する。リクエストのコンテキストはこのグループから派生するので、
// backgroundが失敗するとSSEのような開いたままのストリームも即座に閉じる。
func serve(ctx context.Context, server *http.Server, ln net.Listener, timeout time.Duration, background func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	server.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		return background(gctx)
	})

	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// runWorker はワーカーモードで起動する。
// 期限切れの認可コードとリフレッシュトークンを定期的に削除する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established (worker)")

	workerLogger := slog.Default().With(slog.String("component", "cleanup"))
	scheduler := cleanup.NewScheduler(cleanup.NewCleanupJob(db, workerLogger), cfg.CleanupInterval, workerLogger)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
