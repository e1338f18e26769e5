package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/digijournal/internal/journal"
	"github.com/hitoshi/digijournal/internal/middleware"
	"github.com/hitoshi/digijournal/internal/model"
)

// --- モック定義 ---

type mockJournalService struct {
	listFn          func(ctx context.Context, kind model.Kind) ([]model.Post, error)
	createFn        func(ctx context.Context, author journal.Author, draft model.Draft) (*model.Post, error)
	updateFn        func(ctx context.Context, authorID string, kind model.Kind, id string, patch model.Patch) (*model.Post, error)
	deleteFn        func(ctx context.Context, authorID string, kind model.Kind, id string) error
	ensureProfileFn func(ctx context.Context, subject, email string) (bool, error)
}

func (m *mockJournalService) List(ctx context.Context, kind model.Kind) ([]model.Post, error) {
	if m.listFn != nil {
		return m.listFn(ctx, kind)
	}
	return []model.Post{}, nil
}

func (m *mockJournalService) Create(ctx context.Context, author journal.Author, draft model.Draft) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, author, draft)
	}
	return &model.Post{ID: "p1", Kind: draft.Kind, AuthorID: author.ID, Body: draft.Body}, nil
}

func (m *mockJournalService) Update(ctx context.Context, authorID string, kind model.Kind, id string, patch model.Patch) (*model.Post, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, authorID, kind, id, patch)
	}
	return &model.Post{ID: id, Kind: kind, AuthorID: authorID, Body: patch.Body}, nil
}

func (m *mockJournalService) Delete(ctx context.Context, authorID string, kind model.Kind, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, authorID, kind, id)
	}
	return nil
}

func (m *mockJournalService) EnsureProfile(ctx context.Context, subject, email string) (bool, error) {
	if m.ensureProfileFn != nil {
		return m.ensureProfileFn(ctx, subject, email)
	}
	return true, nil
}

// recordingMetrics はServerMetricsの記録用実装。
type recordingMetrics struct {
	mu        sync.Mutex
	mutations []string
	opened    int
	closed    int
	statuses  []int
}

func (m *recordingMetrics) RecordMutation(collection, op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, collection+"/"+op+"/"+outcome)
}

func (m *recordingMetrics) RecordChangeBroadcast(string, int) {}

func (m *recordingMetrics) StreamOpened(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) StreamClosed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *recordingMetrics) RecordHTTPStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, code)
}

func (m *recordingMetrics) snapshot() (mutations []string, opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mutations...), m.opened, m.closed
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withPrincipal はテスト用に名前・メールアドレス付きのユーザーを注入するヘルパー。
func withPrincipal(r *http.Request, p middleware.Principal) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), p))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。keyとvalueを交互に渡す。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

var hanako = middleware.Principal{UserID: "user-1", Name: "Hanako", Email: "hanako@example.com"}

// --- GET /api/{collection} ---

func TestPostHandler_List(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockJournalService{
		listFn: func(ctx context.Context, kind model.Kind) ([]model.Post, error) {
			if kind != model.KindEssay {
				t.Errorf("kind = %q", kind)
			}
			return []model.Post{{ID: "p1", Kind: kind, Title: "T", Body: "B", AuthorName: "Hanako", CreatedAt: created}}, nil
		},
	}
	h := NewPostHandler(svc, nil)

	req := withChiURLParams(withUserID(httptest.NewRequest(http.MethodGet, "/api/essays", nil), "user-1"), "collection", "essays")
	w := httptest.NewRecorder()
	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var posts []model.Post
	if err := json.NewDecoder(w.Body).Decode(&posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(posts) != 1 || posts[0].Title != "T" || !posts[0].CreatedAt.Equal(created) {
		t.Errorf("posts = %+v", posts)
	}
}

func TestPostHandler_List_EmptyIsJSONArray(t *testing.T) {
	h := NewPostHandler(&mockJournalService{}, nil)

	req := withChiURLParams(httptest.NewRequest(http.MethodGet, "/api/notes", nil), "collection", "notes")
	w := httptest.NewRecorder()
	h.List(w, req)

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestPostHandler_UnknownCollection_Returns404(t *testing.T) {
	h := NewPostHandler(&mockJournalService{}, nil)

	for _, collection := range []string{"poems", "essay", ""} {
		req := withChiURLParams(httptest.NewRequest(http.MethodGet, "/api/x", nil), "collection", collection)
		w := httptest.NewRecorder()
		h.List(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%q: status = %d, want 404", collection, w.Code)
		}
	}
}

// --- POST /api/{collection} ---

func TestPostHandler_Create_InjectsAuthorFromToken(t *testing.T) {
	var gotAuthor journal.Author
	var gotDraft model.Draft
	svc := &mockJournalService{
		createFn: func(ctx context.Context, author journal.Author, draft model.Draft) (*model.Post, error) {
			gotAuthor, gotDraft = author, draft
			return &model.Post{ID: "p1", Kind: draft.Kind, AuthorID: author.ID, AuthorName: author.Name, Body: draft.Body}, nil
		},
	}
	m := &recordingMetrics{}
	h := NewPostHandler(svc, m)

	body := `{"body":"hello","link":"https://example.com","author_id":"someone-else"}`
	req := httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(body))
	req = withChiURLParams(withPrincipal(req, hanako), "collection", "notes")
	w := httptest.NewRecorder()
	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if gotAuthor.ID != "user-1" || gotAuthor.Name != "Hanako" || gotAuthor.Email != "hanako@example.com" {
		t.Errorf("author = %+v", gotAuthor)
	}
	if gotDraft.Kind != model.KindNote || gotDraft.Body != "hello" || gotDraft.Link != "https://example.com" {
		t.Errorf("draft = %+v", gotDraft)
	}
	if muts, _, _ := m.snapshot(); len(muts) != 1 || muts[0] != "notes/insert/ok" {
		t.Errorf("mutations = %v", muts)
	}
}

func TestPostHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		svcErr      error
		wantStatus  int
		wantOutcome string
	}{
		{"malformed json", `{"body":`, nil, http.StatusBadRequest, ""},
		{"validation", `{"body":""}`, model.NewValidationAPIError("body", "required"), http.StatusBadRequest, "essays/insert/rejected"},
		{"invalid link", `{"body":"x"}`, model.NewInvalidURLError("private"), http.StatusBadRequest, "essays/insert/rejected"},
		{"store failure", `{"body":"x"}`, errors.New("db down"), http.StatusInternalServerError, "essays/insert/error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockJournalService{
				createFn: func(context.Context, journal.Author, model.Draft) (*model.Post, error) {
					return nil, tt.svcErr
				},
			}
			m := &recordingMetrics{}
			h := NewPostHandler(svc, m)

			req := httptest.NewRequest(http.MethodPost, "/api/essays", strings.NewReader(tt.body))
			req = withChiURLParams(withPrincipal(req, hanako), "collection", "essays")
			w := httptest.NewRecorder()
			h.Create(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			muts, _, _ := m.snapshot()
			if tt.wantOutcome == "" && len(muts) != 0 {
				t.Errorf("mutations = %v, want none", muts)
			}
			if tt.wantOutcome != "" && (len(muts) != 1 || muts[0] != tt.wantOutcome) {
				t.Errorf("mutations = %v, want %s", muts, tt.wantOutcome)
			}
		})
	}
}

func TestPostHandler_Create_NoPrincipal_Returns401(t *testing.T) {
	h := NewPostHandler(&mockJournalService{}, nil)
	req := withChiURLParams(httptest.NewRequest(http.MethodPost, "/api/notes", strings.NewReader(`{"body":"x"}`)), "collection", "notes")
	w := httptest.NewRecorder()
	h.Create(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- PATCH /api/{collection}/{id} ---

func TestPostHandler_Update(t *testing.T) {
	svc := &mockJournalService{
		updateFn: func(ctx context.Context, authorID string, kind model.Kind, id string, patch model.Patch) (*model.Post, error) {
			if authorID != "user-1" || kind != model.KindEssay || id != "p1" {
				t.Errorf("args = %s %s %s", authorID, kind, id)
			}
			return &model.Post{ID: id, Kind: kind, Title: patch.Title, Body: patch.Body}, nil
		},
	}
	h := NewPostHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPatch, "/api/essays/p1", strings.NewReader(`{"title":"New","body":"Body"}`))
	req = withChiURLParams(withPrincipal(req, hanako), "collection", "essays", "id", "p1")
	w := httptest.NewRecorder()
	h.Update(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var post model.Post
	json.NewDecoder(w.Body).Decode(&post)
	if post.Title != "New" {
		t.Errorf("post = %+v", post)
	}
}

func TestPostHandler_WriteRejections(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not author", model.NewNotAuthorError(), http.StatusForbidden, model.ErrCodeNotAuthor},
		{"not found", model.NewPostNotFoundError("p1"), http.StatusNotFound, model.ErrCodePostNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockJournalService{
				updateFn: func(context.Context, string, model.Kind, string, model.Patch) (*model.Post, error) {
					return nil, tt.err
				},
				deleteFn: func(context.Context, string, model.Kind, string) error { return tt.err },
			}
			h := NewPostHandler(svc, nil)

			req := httptest.NewRequest(http.MethodPatch, "/api/notes/p1", strings.NewReader(`{"body":"x"}`))
			req = withChiURLParams(withPrincipal(req, hanako), "collection", "notes", "id", "p1")
			w := httptest.NewRecorder()
			h.Update(w, req)
			if w.Code != tt.wantStatus || parseAPIErrorResponse(t, w)["code"] != tt.wantCode {
				t.Errorf("update: status = %d", w.Code)
			}

			req = httptest.NewRequest(http.MethodDelete, "/api/notes/p1", nil)
			req = withChiURLParams(withPrincipal(req, hanako), "collection", "notes", "id", "p1")
			w = httptest.NewRecorder()
			h.Delete(w, req)
			if w.Code != tt.wantStatus || parseAPIErrorResponse(t, w)["code"] != tt.wantCode {
				t.Errorf("delete: status = %d", w.Code)
			}
		})
	}
}

// --- DELETE /api/{collection}/{id} ---

func TestPostHandler_Delete(t *testing.T) {
	var deleted string
	svc := &mockJournalService{
		deleteFn: func(ctx context.Context, authorID string, kind model.Kind, id string) error {
			deleted = kind.Collection() + "/" + id + " by " + authorID
			return nil
		},
	}
	m := &recordingMetrics{}
	h := NewPostHandler(svc, m)

	req := httptest.NewRequest(http.MethodDelete, "/api/notes/p9", nil)
	req = withChiURLParams(withPrincipal(req, hanako), "collection", "notes", "id", "p9")
	w := httptest.NewRecorder()
	h.Delete(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if deleted != "notes/p9 by user-1" {
		t.Errorf("deleted = %q", deleted)
	}
	if muts, _, _ := m.snapshot(); len(muts) != 1 || muts[0] != "notes/delete/ok" {
		t.Errorf("mutations = %v", muts)
	}
}

// --- PUT /api/profile ---

func TestPostHandler_EnsureProfile(t *testing.T) {
	calls := 0
	svc := &mockJournalService{
		ensureProfileFn: func(ctx context.Context, subject, email string) (bool, error) {
			calls++
			if subject != "user-1" || email != "hanako@example.com" {
				t.Errorf("subject=%q email=%q", subject, email)
			}
			return calls == 1, nil
		},
	}
	h := NewPostHandler(svc, nil)

	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		req := withPrincipal(httptest.NewRequest(http.MethodPut, "/api/profile", strings.NewReader(`{"subject":"user-1"}`)), hanako)
		w := httptest.NewRecorder()
		h.EnsureProfile(w, req)
		if w.Code != want {
			t.Errorf("call %d: status = %d, want %d", i+1, w.Code, want)
		}
	}
}

func TestPostHandler_EnsureProfile_SubjectMismatch_Returns403(t *testing.T) {
	called := false
	svc := &mockJournalService{
		ensureProfileFn: func(context.Context, string, string) (bool, error) {
			called = true
			return true, nil
		},
	}
	h := NewPostHandler(svc, nil)

	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/api/profile", strings.NewReader(`{"subject":"user-2","email":"x@example.com"}`)), hanako)
	w := httptest.NewRecorder()
	h.EnsureProfile(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if called {
		t.Error("service should not be called")
	}
}
