package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/digijournal/internal/model"
)

// AccessTokenSource はAPI呼び出しに使うアクセストークンを提供する。
type AccessTokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StoreConfig はStoreの設定。
type StoreConfig struct {
	ServerURL string
	// HTTPClient は通常のAPI呼び出しに使う。
	HTTPClient *http.Client
	// StreamClient は変更通知ストリームに使う。タイムアウトを設定しないこと。
	StreamClient *http.Client
}

// Store はjournaldのRemote Data Storeを扱うクライアント。
type Store struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	tokens  AccessTokenSource
	logger  *slog.Logger
}

// NewStore はStoreを生成する。
func NewStore(cfg StoreConfig, tokens AccessTokenSource, logger *slog.Logger) *Store {
	client := cfg.HTTPClient
	if client == nil {
		client = DefaultHTTPClient(0)
	}
	stream := cfg.StreamClient
	if stream == nil {
		stream = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:  client,
		stream:  stream,
		tokens:  tokens,
		logger:  logger,
	}
}

// List はコレクションの全投稿を新しい順に返す。失敗時は *model.RemoteReadError を返す。
func (s *Store) List(ctx context.Context, kind model.Kind) ([]model.Post, error) {
	var posts []model.Post
	err := s.call(ctx, http.MethodGet, s.collectionURL(kind), nil, &posts)
	if err != nil {
		status, _ := statusOf(err)
		return nil, &model.RemoteReadError{Collection: kind.Collection(), StatusCode: status, Err: err}
	}
	for i := range posts {
		if posts[i].Kind == "" {
			posts[i].Kind = kind
		}
	}
	return posts, nil
}

// Insert は投稿を作成し、採番済みのレコードを返す。投稿者はサーバーがトークンから決める。
func (s *Store) Insert(ctx context.Context, draft model.Draft) (*model.Post, error) {
	var post model.Post
	if err := s.call(ctx, http.MethodPost, s.collectionURL(draft.Kind), draft, &post); err != nil {
		return nil, writeError("insert", draft.Kind, "", err)
	}
	if post.Kind == "" {
		post.Kind = draft.Kind
	}
	return &post, nil
}

// Update は投稿を更新し、更新後のレコードを返す。
func (s *Store) Update(ctx context.Context, kind model.Kind, id string, patch model.Patch) (*model.Post, error) {
	var post model.Post
	if err := s.call(ctx, http.MethodPatch, s.postURL(kind, id), patch, &post); err != nil {
		return nil, writeError("update", kind, id, err)
	}
	if post.Kind == "" {
		post.Kind = kind
	}
	return &post, nil
}

// Remove は投稿を削除する。
func (s *Store) Remove(ctx context.Context, kind model.Kind, id string) error {
	if err := s.call(ctx, http.MethodDelete, s.postURL(kind, id), nil, nil); err != nil {
		return writeError("delete", kind, id, err)
	}
	return nil
}

// EnsureProfile はsubjectのプロフィールが無ければ作成する。既に存在する場合も成功。
func (s *Store) EnsureProfile(ctx context.Context, subject, email string) error {
	body := map[string]string{"subject": subject, "email": email}
	if err := s.call(ctx, http.MethodPut, s.baseURL+"/api/profile", body, nil); err != nil {
		return fmt.Errorf("failed to ensure profile: %w", err)
	}
	return nil
}

func (s *Store) collectionURL(kind model.Kind) string {
	return s.baseURL + "/api/" + kind.Collection()
}

func (s *Store) postURL(kind model.Kind, id string) string {
	return s.collectionURL(kind) + "/" + url.PathEscape(id)
}

// call はベアラートークン付きでJSONリクエストを送る。
func (s *Store) call(ctx context.Context, method, target string, in, out any) error {
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return doJSON(s.client, req, out)
}

func writeError(op string, kind model.Kind, id string, err error) *model.RemoteWriteError {
	status, code := statusOf(err)
	return &model.RemoteWriteError{
		Op:         op,
		Collection: kind.Collection(),
		ID:         id,
		StatusCode: status,
		Code:       code,
		Err:        err,
	}
}
