// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/digijournal/internal/auth"
	"github.com/hitoshi/digijournal/internal/middleware"
	"github.com/hitoshi/digijournal/internal/model"
)

const (
	oauthStateCookie    = "oauth_state"
	oauthRedirectCookie = "oauth_redirect_to"
	oauthCookieMaxAge   = 600
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (string, error)
	ExchangeAuthCode(ctx context.Context, code string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// AllowedRedirects はredirect_toとして許可するURLプレフィックス。
	AllowedRedirects []string
	CookieDomain     string
	CookieSecure     bool
}

// AuthHandler はIdentity ProviderのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// userResponse はユーザー情報のレスポンス形式。
type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// tokenResponse はトークンエンドポイントのレスポンス形式。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         userResponse `json:"user"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, AvatarURL: u.AvatarURL}
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login?redirect_to=xxx
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	redirectTo := r.URL.Query().Get("redirect_to")
	if !h.redirectAllowed(redirectTo) {
		slog.Warn("login rejected: redirect_to not allowed", slog.String("redirect_to", redirectTo))
		middleware.WriteAPIError(w, model.NewInvalidRedirectError(redirectTo))
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateとリダイレクト先をCookieに保存（CSRF対策）
	h.setCookie(w, oauthStateCookie, state, oauthCookieMaxAge)
	h.setCookie(w, oauthRedirectCookie, redirectTo, oauthCookieMaxAge)

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、ワンタイム認可コードを付けてクライアントへ戻す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirectTo := ""
	if c, err := r.Cookie(oauthRedirectCookie); err == nil && h.redirectAllowed(c.Value) {
		redirectTo = c.Value
	}
	h.setCookie(w, oauthStateCookie, "", -1)
	h.setCookie(w, oauthRedirectCookie, "", -1)

	if redirectTo == "" {
		slog.Warn("oauth callback without a valid redirect target")
		middleware.WriteAPIError(w, model.NewInvalidRedirectError(""))
		return
	}

	// 1. stateの検証（CSRF対策）
	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		h.redirectBack(w, r, redirectTo, "error", "invalid_state")
		return
	}

	// 2. 上流IdPでの拒否（ユーザーがキャンセルした等）
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		slog.Info("oauth denied by provider", slog.String("error", upstreamErr))
		h.redirectBack(w, r, redirectTo, "error", upstreamErr)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.redirectBack(w, r, redirectTo, "error", "missing_code")
		return
	}

	// 3. 認証処理
	authCode, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.redirectBack(w, r, redirectTo, "error", "server_error")
		return
	}

	h.redirectBack(w, r, redirectTo, "code", authCode)
}

// Token は認可コードまたはリフレッシュトークンをトークン一式に交換する。
// POST /auth/token (grant_type=authorization_code|refresh_token)
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		middleware.WriteAPIError(w, model.NewValidationAPIError("body", "フォームを解析できません。"))
		return
	}

	var (
		pair *auth.TokenPair
		err  error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		pair, err = h.service.ExchangeAuthCode(r.Context(), r.PostForm.Get("code"))
	case "refresh_token":
		pair, err = h.service.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	default:
		middleware.WriteAPIError(w, model.NewValidationAPIError("grant_type", "unsupported grant_type"))
		return
	}

	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			slog.Info("token grant rejected", slog.String("error", err.Error()))
			middleware.WriteAPIError(w, model.NewInvalidGrantError(err.Error()))
			return
		}
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(pair.ExpiresAt).Seconds()),
		ExpiresAt:    pair.ExpiresAt.UTC(),
		User:         toUserResponse(pair.User),
	})
}

// Logout はリフレッシュトークンを失効させる。何度呼んでも204を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		if revokeErr := h.service.Revoke(r.Context(), r.PostForm.Get("refresh_token")); revokeErr != nil {
			// 失効に失敗してもクライアント側のサインアウトは完了させる
			slog.Error("failed to revoke refresh token", slog.String("error", revokeErr.Error()))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// User はアクセストークンのユーザー情報を返す。
// GET /auth/user
func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), userID)
	if err != nil {
		slog.Warn("failed to get current user", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewUserNotFoundError())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

// redirectAllowed はredirect_toが許可済みプレフィックスのいずれかで始まるかを返す。
func (h *AuthHandler) redirectAllowed(redirectTo string) bool {
	if redirectTo == "" {
		return false
	}
	u, err := url.Parse(redirectTo)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	for _, prefix := range h.config.AllowedRedirects {
		if prefix != "" && strings.HasPrefix(redirectTo, prefix) {
			return true
		}
	}
	return false
}

// redirectBack はredirect_toにクエリパラメータを付けてリダイレクトする。
func (h *AuthHandler) redirectBack(w http.ResponseWriter, r *http.Request, redirectTo, key, value string) {
	u, err := url.Parse(redirectTo)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
