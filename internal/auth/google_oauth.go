package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GoogleEndpoints はGoogleのOAuthエンドポイント。テストではフェイクサーバーを指す。
type GoogleEndpoints struct {
	Auth     string
	Token    string
	UserInfo string
}

var googleProduction = GoogleEndpoints{
	Auth:     "https://accounts.google.com/o/oauth2/v2/auth",
	Token:    "https://oauth2.googleapis.com/token",
	UserInfo: "https://openidconnect.googleapis.com/v1/userinfo",
}

// GoogleConfig は上流IdPとしてのGoogleの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// ゼロ値の項目は本番エンドポイントを使う
	Endpoints GoogleEndpoints
}

// GoogleIdP はサインインの上流IdP。ここで得た本人情報から自前のトークンを発行する。
type GoogleIdP struct {
	cfg    GoogleConfig
	client *http.Client
}

var _ OAuthProvider = (*GoogleIdP)(nil)

// NewGoogleIdP はGoogleIdPを生成する。
func NewGoogleIdP(cfg GoogleConfig) *GoogleIdP {
	ep := &cfg.Endpoints
	if ep.Auth == "" {
		ep.Auth = googleProduction.Auth
	}
	if ep.Token == "" {
		ep.Token = googleProduction.Token
	}
	if ep.UserInfo == "" {
		ep.UserInfo = googleProduction.UserInfo
	}
	return &GoogleIdP{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// GetLoginURL は同意画面のURLを返す。オフラインアクセスは要求しない。
func (g *GoogleIdP) GetLoginURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", g.cfg.ClientID)
	q.Set("redirect_uri", g.cfg.RedirectURL)
	q.Set("scope", "openid email profile")
	q.Set("state", state)
	return g.cfg.Endpoints.Auth + "?" + q.Encode()
}

// googleClaims はuserinfoエンドポイントが返すOpenID Connectの標準クレーム。
type googleClaims struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Picture       string `json:"picture"`
}

// ExchangeCode は認可コードを引き換え、サインインしたユーザーの本人情報を返す。
// 未確認のメールアドレスは表示名の候補にしないため捨てる。
func (g *GoogleIdP) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {g.cfg.RedirectURL},
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoints.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := g.do(req, &tok); err != nil {
		return nil, fmt.Errorf("google token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("google token exchange: no access_token")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Endpoints.UserInfo, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	var claims googleClaims
	if err := g.do(req, &claims); err != nil {
		return nil, fmt.Errorf("google userinfo: %w", err)
	}
	if claims.Sub == "" {
		return nil, errors.New("google userinfo: no sub")
	}

	info := &OAuthUserInfo{
		Provider:       "google",
		ProviderUserID: claims.Sub,
		Name:           claims.Name,
		AvatarURL:      claims.Picture,
	}
	if claims.EmailVerified {
		info.Email = claims.Email
	}
	return info, nil
}

// do はリクエストを送り、200のJSON応答をoutへ読み込む。
func (g *GoogleIdP) do(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		// エラー本文は先頭だけ残す
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}
