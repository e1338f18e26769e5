package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

// defaultRefreshSkew は期限切れとみなすまでの余裕。
const defaultRefreshSkew = 30 * time.Second

// IdentityConfig はIdentityの設定。
type IdentityConfig struct {
	ServerURL   string
	HTTPClient  *http.Client
	RefreshSkew time.Duration
}

// Identity はjournaldのIdentity Providerを扱うクライアント。
// セッションはTokenStoreに永続化し、変更は登録済みのリスナーへ通知する。
type Identity struct {
	baseURL string
	client  *http.Client
	skew    time.Duration
	tokens  TokenStore
	nav     Navigator
	logger  *slog.Logger
	now     func() time.Time

	// mu はsessionとtokensへのアクセス、およびトークン更新を直列化する
	mu      sync.Mutex
	session *model.Session
	loaded  bool

	lmu       sync.Mutex
	listeners map[int]func(model.SessionEvent)
	nextID    int
}

// NewIdentity はIdentityを生成する。
func NewIdentity(cfg IdentityConfig, tokens TokenStore, nav Navigator, logger *slog.Logger) *Identity {
	client := cfg.HTTPClient
	if client == nil {
		client = DefaultHTTPClient(0)
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
		client:    client,
		skew:      skew,
		tokens:    tokens,
		nav:       nav,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(model.SessionEvent)),
	}
}

// LoginURL はreturnAddressへ戻るログインURLを返す。
func (id *Identity) LoginURL(returnAddress string) string {
	return id.baseURL + "/auth/google/login?" + url.Values{"redirect_to": {returnAddress}}.Encode()
}

// InitiateRedirect はサインインのためにログインURLへ遷移する。
func (id *Identity) InitiateRedirect(ctx context.Context, returnAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := id.nav.Open(id.LoginURL(returnAddress)); err != nil {
		return &model.AuthError{Op: "initiate redirect", Err: err}
	}
	return nil
}

// CompleteRedirect はリダイレクト完了アドレスからセッションを確立する。
// クエリのcodeは /auth/token で交換し、fragmentのaccess_tokenは /auth/user で検証する。
// 確立したセッションは永続化され、issuedイベントとして通知される。
func (id *Identity) CompleteRedirect(ctx context.Context, loc *url.URL) (*model.Session, error) {
	q := loc.Query()
	frag, _ := url.ParseQuery(loc.Fragment)

	if e := firstNonEmpty(q.Get("error"), frag.Get("error")); e != "" {
		return nil, &model.AuthError{Op: "complete redirect", Err: fmt.Errorf("provider returned %s", e)}
	}

	var session *model.Session
	switch {
	case q.Get("code") != "":
		form := url.Values{"grant_type": {"authorization_code"}, "code": {q.Get("code")}}
		s, err := id.requestToken(ctx, form)
		if err != nil {
			return nil, &model.AuthError{Op: "exchange code", Err: err}
		}
		session = s
	case frag.Get("access_token") != "":
		s := &model.Session{
			AccessToken:  frag.Get("access_token"),
			RefreshToken: frag.Get("refresh_token"),
		}
		if err := id.fetchUser(ctx, s); err != nil {
			return nil, &model.AuthError{Op: "verify token", Err: err}
		}
		session = s
	default:
		return nil, &model.AuthError{Op: "complete redirect", Err: model.ErrNoSession}
	}

	id.mu.Lock()
	id.store(session)
	id.mu.Unlock()

	id.logger.Info("session issued", slog.String("subject", session.Subject))
	id.emit(model.SessionEvent{Type: model.SessionIssued, Session: copySession(session)})
	return copySession(session), nil
}

// CurrentSession は永続化されたセッションを読み込み、サーバーで検証して返す。
// セッションが無い、またはサーバーに拒否された場合は (nil, nil) を返す。
func (id *Identity) CurrentSession(ctx context.Context) (*model.Session, error) {
	id.mu.Lock()
	session, err := id.current()
	if err != nil || session == nil {
		id.mu.Unlock()
		return nil, err
	}

	var events []model.SessionEvent
	if session.Expired(id.now(), id.skew) {
		renewed, evs, err := id.refreshLocked(ctx, session)
		events = append(events, evs...)
		if err != nil {
			id.mu.Unlock()
			id.emitAll(events)
			if isRejected(err) {
				return nil, nil
			}
			return nil, err
		}
		session = renewed
	}

	err = id.fetchUser(ctx, session)
	if status, _ := statusOf(err); status == http.StatusUnauthorized && session.CanRefresh() {
		renewed, evs, rerr := id.refreshLocked(ctx, session)
		events = append(events, evs...)
		if rerr == nil {
			session = renewed
			err = id.fetchUser(ctx, session)
		} else {
			err = rerr
		}
	}
	if err != nil {
		if status, _ := statusOf(err); status == http.StatusUnauthorized || isRejected(err) {
			if id.session != nil {
				id.store(nil)
				events = append(events, model.SessionEvent{Type: model.SessionRevoked})
			}
			id.mu.Unlock()
			id.emitAll(events)
			return nil, nil
		}
		id.mu.Unlock()
		id.emitAll(events)
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}

	id.store(session)
	id.mu.Unlock()
	id.emitAll(events)
	return copySession(session), nil
}

// AccessToken は有効なアクセストークンを返す。期限切れならリフレッシュする。
func (id *Identity) AccessToken(ctx context.Context) (string, error) {
	id.mu.Lock()
	session, err := id.current()
	if err != nil {
		id.mu.Unlock()
		return "", err
	}
	if session == nil {
		id.mu.Unlock()
		return "", &model.AuthError{Op: "access token", Err: model.ErrNoSession}
	}
	if !session.Expired(id.now(), id.skew) {
		id.mu.Unlock()
		return session.AccessToken, nil
	}

	renewed, events, err := id.refreshLocked(ctx, session)
	id.mu.Unlock()
	id.emitAll(events)
	if err != nil {
		return "", err
	}
	return renewed.AccessToken, nil
}

// OnSessionChange はセッション変更リスナーを登録し、解除関数を返す。
// リスナーはイベントを発生させた操作のgoroutineから呼ばれる。
func (id *Identity) OnSessionChange(fn func(model.SessionEvent)) func() {
	id.lmu.Lock()
	defer id.lmu.Unlock()

	key := id.nextID
	id.nextID++
	id.listeners[key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			id.lmu.Lock()
			delete(id.listeners, key)
			id.lmu.Unlock()
		})
	}
}

// EndSession はローカルのセッションを破棄し、サーバーでリフレッシュトークンを失効させる。
// サーバーへの失効要求が失敗しても、ローカルの破棄は取り消さない。
func (id *Identity) EndSession(ctx context.Context) error {
	id.mu.Lock()
	session, _ := id.current()
	id.store(nil)
	id.mu.Unlock()

	if session == nil {
		return nil
	}
	id.emit(model.SessionEvent{Type: model.SessionRevoked})

	if session.RefreshToken == "" {
		return nil
	}
	req, err := newFormRequest(ctx, id.baseURL+"/auth/logout", url.Values{"refresh_token": {session.RefreshToken}})
	if err != nil {
		return err
	}
	if err := doJSON(id.client, req, nil); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// current はmu保持中に呼ぶ。未読み込みならTokenStoreから読み込む。
func (id *Identity) current() (*model.Session, error) {
	if !id.loaded {
		s, err := id.tokens.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		id.session = s
		id.loaded = true
	}
	return id.session, nil
}

// store はmu保持中に呼ぶ。永続化に失敗してもメモリ上のセッションは更新する。
func (id *Identity) store(session *model.Session) {
	id.session = session
	id.loaded = true

	var err error
	if session == nil {
		err = id.tokens.Clear()
	} else {
		err = id.tokens.Save(session)
	}
	if err != nil {
		id.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

// refreshLocked はmu保持中に呼ぶ。発生したイベントは呼び出し側がロック解放後に通知する。
func (id *Identity) refreshLocked(ctx context.Context, session *model.Session) (*model.Session, []model.SessionEvent, error) {
	if !session.CanRefresh() {
		id.store(nil)
		return nil, []model.SessionEvent{{Type: model.SessionRevoked}},
			&model.AuthError{Op: "refresh", Err: errSessionExpired}
	}

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {session.RefreshToken}}
	renewed, err := id.requestToken(ctx, form)
	if err != nil {
		if status, _ := statusOf(err); status == http.StatusUnauthorized || status == http.StatusBadRequest {
			id.logger.Info("refresh token rejected", slog.String("subject", session.Subject))
			id.store(nil)
			return nil, []model.SessionEvent{{Type: model.SessionRevoked}},
				&model.AuthError{Op: "refresh", Err: err}
		}
		return nil, nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	id.store(renewed)
	id.logger.Debug("session renewed", slog.String("subject", renewed.Subject))
	return renewed, []model.SessionEvent{{Type: model.SessionRenewed, Session: copySession(renewed)}}, nil
}

func (id *Identity) requestToken(ctx context.Context, form url.Values) (*model.Session, error) {
	req, err := newFormRequest(ctx, id.baseURL+"/auth/token", form)
	if err != nil {
		return nil, err
	}
	var payload tokenPayload
	if err := doJSON(id.client, req, &payload); err != nil {
		return nil, err
	}
	if payload.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return payload.session(id.now()), nil
}

// fetchUser は /auth/user でアクセストークンを検証し、ユーザー情報をsessionへ反映する。
func (id *Identity) fetchUser(ctx context.Context, session *model.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.baseURL+"/auth/user", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Accept", "application/json")

	var user userPayload
	if err := doJSON(id.client, req, &user); err != nil {
		return err
	}
	session.Subject = user.ID
	session.Name = user.Name
	session.Email = user.Email
	session.AvatarURL = user.AvatarURL
	return nil
}

func (id *Identity) emit(event model.SessionEvent) {
	id.lmu.Lock()
	fns := make([]func(model.SessionEvent), 0, len(id.listeners))
	for _, fn := range id.listeners {
		fns = append(fns, fn)
	}
	id.lmu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (id *Identity) emitAll(events []model.SessionEvent) {
	for _, ev := range events {
		id.emit(ev)
	}
}

var errSessionExpired = errors.New("session expired and cannot be refreshed")

// isRejected はIdPがセッションを拒否したこと（再サインインが必要）を表すエラーかを返す。
func isRejected(err error) bool {
	var ae *model.AuthError
	return errors.As(err, &ae)
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
