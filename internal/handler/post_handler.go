package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/digijournal/internal/journal"
	"github.com/hitoshi/digijournal/internal/metrics"
	"github.com/hitoshi/digijournal/internal/middleware"
	"github.com/hitoshi/digijournal/internal/model"
)

// maxPostBodyBytes はリクエスト本文の上限サイズ。
const maxPostBodyBytes = 1 << 20

// JournalServiceInterface は投稿・プロフィールハンドラーが必要とするサービスインターフェース。
type JournalServiceInterface interface {
	List(ctx context.Context, kind model.Kind) ([]model.Post, error)
	Create(ctx context.Context, author journal.Author, draft model.Draft) (*model.Post, error)
	Update(ctx context.Context, authorID string, kind model.Kind, id string, patch model.Patch) (*model.Post, error)
	Delete(ctx context.Context, authorID string, kind model.Kind, id string) error
	EnsureProfile(ctx context.Context, subject, email string) (bool, error)
}

// PostHandler はエッセイ・ノートのHTTPハンドラー。
type PostHandler struct {
	service JournalServiceInterface
	metrics metrics.ServerMetrics
}

// NewPostHandler はPostHandlerを生成する。metricsはnilでもよい。
func NewPostHandler(service JournalServiceInterface, m metrics.ServerMetrics) *PostHandler {
	return &PostHandler{service: service, metrics: m}
}

// List はコレクションの投稿を新しい順に返す。
// GET /api/{collection}
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	posts, err := h.service.List(r.Context(), kind)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, posts)
}

// Create は投稿を作成する。著者はアクセストークンから決まり、本文の値は無視する。
// POST /api/{collection}
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	var draft model.Draft
	if !decodeJSONBody(w, r, &draft) {
		return
	}
	draft.Kind = kind

	post, err := h.service.Create(r.Context(), journal.Author{
		ID:    principal.UserID,
		Name:  principal.Name,
		Email: principal.Email,
	}, draft)
	h.recordMutation(kind, "insert", err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, post)
}

// Update は投稿者本人の投稿を更新する。
// PATCH /api/{collection}/{id}
func (h *PostHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	var patch model.Patch
	if !decodeJSONBody(w, r, &patch) {
		return
	}

	post, err := h.service.Update(r.Context(), principal.UserID, kind, chi.URLParam(r, "id"), patch)
	h.recordMutation(kind, "update", err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, post)
}

// Delete は投稿者本人の投稿を削除する。
// DELETE /api/{collection}/{id}
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	kind, ok := kindFromRequest(w, r)
	if !ok {
		return
	}

	err := h.service.Delete(r.Context(), principal.UserID, kind, chi.URLParam(r, "id"))
	h.recordMutation(kind, "delete", err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PostHandler) recordMutation(kind model.Kind, op string, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			outcome = "rejected"
		}
	}
	h.metrics.RecordMutation(kind.Collection(), op, outcome)
}

// profileRequest はプロフィール作成リクエストの本文。
type profileRequest struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
}

// profileResponse はプロフィール作成レスポンス。
type profileResponse struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
	Created bool   `json:"created"`
}

// EnsureProfile はトークンのsubjectのプロフィールが無ければ作成する。
// PUT /api/profile
func (h *PostHandler) EnsureProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromRequest(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Subject != "" && req.Subject != principal.UserID {
		slog.Warn("profile subject mismatch",
			slog.String("user_id", principal.UserID),
			slog.String("subject", req.Subject),
		)
		middleware.WriteAPIError(w, model.NewSubjectMismatchError())
		return
	}
	email := req.Email
	if email == "" {
		email = principal.Email
	}

	created, err := h.service.EnsureProfile(r.Context(), principal.UserID, email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, profileResponse{Subject: principal.UserID, Email: email, Created: created})
}

// kindFromRequest はURLパラメータのコレクション名を解決する。未知の場合は404を書き込む。
func kindFromRequest(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	collection := chi.URLParam(r, "collection")
	kind, err := model.ParseKind(collection)
	if err != nil || kind.Collection() != collection {
		middleware.WriteAPIError(w, model.NewUnknownCollectionError(collection))
		return "", false
	}
	return kind, true
}

func principalFromRequest(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return middleware.Principal{}, false
	}
	return p, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxPostBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteAPIError(w, model.NewValidationAPIError("body", "リクエスト本文が不正です。"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
