package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はサーバー（journald）全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Token
	TokenSecret     string
	TokenIssuer     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration

	// AllowedRedirects はログイン完了後のリダイレクト先として許可するURLプレフィックス。
	AllowedRedirects []string

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitWrite   int

	// Change stream
	NotifyChannel      string
	NotifyPingInterval time.Duration
	SSEHeartbeat       time.Duration

	// Cleanup
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "digijournal")
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	cfg.AuthCodeTTL = getEnvDuration("AUTH_CODE_TTL", 60*time.Second)
	cfg.AllowedRedirects = getEnvList("ALLOWED_REDIRECTS", []string{"http://127.0.0.1:", "http://localhost:"})
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.NotifyChannel = getEnvString("NOTIFY_CHANNEL", "journal_changes")
	cfg.NotifyPingInterval = getEnvDuration("NOTIFY_PING_INTERVAL", 90*time.Second)
	cfg.SSEHeartbeat = getEnvDuration("SSE_HEARTBEAT", 15*time.Second)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// BASE_URL配下へのリダイレクトは常に許可する
	cfg.AllowedRedirects = append(cfg.AllowedRedirects, strings.TrimRight(cfg.BaseURL, "/")+"/")

	return cfg, nil
}

// SyncMode はフィード同期方式を表す。
type SyncMode string

const (
	// SyncModePush はサーバーの変更通知ストリームを購読する。
	SyncModePush SyncMode = "push"
	// SyncModePoll は固定間隔で再取得する。
	SyncModePoll SyncMode = "poll"
)

// ClientConfig はクライアント（journal CLI）の設定を保持する。
type ClientConfig struct {
	ServerURL      string
	TokenFile      string
	CallbackAddr   string
	CallbackPath   string
	SyncMode       SyncMode
	PollInterval   time.Duration
	RedirectGrace  time.Duration
	RequestTimeout time.Duration
}

// LoadClient は環境変数からClientConfigを読み込む。
// クライアントは必須環境変数を持たず、すべてデフォルト値で起動できる。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:      strings.TrimRight(getEnvString("JOURNAL_SERVER_URL", "http://localhost:8080"), "/"),
		TokenFile:      getEnvString("JOURNAL_TOKEN_FILE", defaultTokenFile()),
		CallbackAddr:   getEnvString("JOURNAL_CALLBACK_ADDR", "127.0.0.1:8765"),
		CallbackPath:   getEnvString("JOURNAL_CALLBACK_PATH", "/auth/callback"),
		SyncMode:       SyncMode(getEnvString("JOURNAL_SYNC_MODE", string(SyncModePush))),
		PollInterval:   getEnvDuration("JOURNAL_POLL_INTERVAL", 5*time.Second),
		RedirectGrace:  getEnvDuration("JOURNAL_REDIRECT_GRACE", 3*time.Second),
		RequestTimeout: getEnvDuration("JOURNAL_REQUEST_TIMEOUT", 15*time.Second),
	}

	if cfg.SyncMode != SyncModePush && cfg.SyncMode != SyncModePoll {
		return nil, fmt.Errorf("invalid JOURNAL_SYNC_MODE %q: must be push or poll", cfg.SyncMode)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("JOURNAL_POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

// ReturnAddress はリダイレクト完了ルートのURLを返す。
func (c *ClientConfig) ReturnAddress() string {
	return "http://" + c.CallbackAddr + c.CallbackPath
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".digijournal-token.json"
	}
	return dir + string(os.PathSeparator) + "digijournal" + string(os.PathSeparator) + "token.json"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
