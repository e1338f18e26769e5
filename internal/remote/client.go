package remote

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

	"github.com/hitoshi/digijournal/internal/model"
)

// maxResponseBytes はレスポンス本文の読み込み上限。
const maxResponseBytes = 4 << 20

// DefaultHTTPClient はタイムアウト付きのHTTPクライアントを返す。
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// errorBody はjournaldの統一エラーレスポンス。
type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusError は2xx以外のレスポンスを表す。
type statusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *statusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: [%s] %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// decodeStatusError はエラーレスポンスを読み取る。本文がJSONでなくてもステータスは保持する。
func decodeStatusError(resp *http.Response) *statusError {
	se := &statusError{StatusCode: resp.StatusCode}
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err == nil {
		se.Code = body.Code
		se.Message = body.Message
	}
	return se
}

// statusOf はerrに含まれるHTTPステータスとエラーコードを返す。ネットワークエラーは0。
func statusOf(err error) (int, string) {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode, se.Code
	}
	return 0, ""
}

// doJSON はリクエストを送り、成功時はoutへJSONをデコードする。outがnilなら本文を捨てる。
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// newFormRequest はapplication/x-www-form-urlencodedのPOSTリクエストを生成する。
func newFormRequest(ctx context.Context, target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// userPayload は /auth/user とトークンレスポンスに含まれるユーザー情報。
type userPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// tokenPayload は /auth/token のレスポンス。
type tokenPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         userPayload `json:"user"`
}

func (p *tokenPayload) session(now time.Time) *model.Session {
	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() && p.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return &model.Session{
		Subject:      p.User.ID,
		Name:         p.User.Name,
		Email:        p.User.Email,
		AvatarURL:    p.User.AvatarURL,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}
