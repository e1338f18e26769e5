package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(context.Context) (string, error) { return s.token, s.err }

type capturedRequest struct {
	method string
	path   string
	auth   string
	body   string
}

// recordingServer はリクエストを記録し、handlerに応答を委ねる。
func recordingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{r.Method, r.URL.Path, r.Header.Get("Authorization"), string(body)})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestStore_List(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	srv, requests := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.Post{
			{ID: "p2", AuthorID: "user-1", Body: "second", CreatedAt: created},
			{ID: "p1", Kind: model.KindNote, AuthorID: "user-1", Body: "first", CreatedAt: created.Add(-time.Hour)},
		})
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	posts, err := store.List(context.Background(), model.KindNote)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "p2" || posts[0].Kind != model.KindNote {
		t.Errorf("posts = %+v", posts)
	}

	reqs := requests()
	if len(reqs) != 1 || reqs[0].path != "/api/notes" || reqs[0].auth != "Bearer tok" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestStore_List_EmptyCollection(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	posts, err := store.List(context.Background(), model.KindEssay)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if posts == nil || len(posts) != 0 {
		t.Errorf("posts = %#v, want empty non-nil slice", posts)
	}
}

func TestStore_List_Failure(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestError(w, http.StatusInternalServerError, model.ErrCodeInternal)
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	_, err := store.List(context.Background(), model.KindEssay)
	var re *model.RemoteReadError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteReadError", err)
	}
	if re.Collection != "essays" || re.StatusCode != http.StatusInternalServerError {
		t.Errorf("RemoteReadError = %+v", re)
	}
}

func TestStore_List_NoSession(t *testing.T) {
	store := NewStore(StoreConfig{ServerURL: "http://127.0.0.1:1"},
		staticToken{err: &model.AuthError{Op: "access token", Err: model.ErrNoSession}}, nil)

	_, err := store.List(context.Background(), model.KindEssay)
	var re *model.RemoteReadError
	if !errors.As(err, &re) || !errors.Is(err, model.ErrNoSession) {
		t.Errorf("error = %v", err)
	}
}

func TestStore_Insert(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Post{ID: "new", Kind: model.KindEssay, Title: "T", Body: "B", AuthorID: "user-1"})
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	post, err := store.Insert(context.Background(), model.Draft{Kind: model.KindEssay, Title: "T", Body: "B"})
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if post.ID != "new" {
		t.Errorf("post = %+v", post)
	}

	reqs := requests()
	if reqs[0].method != http.MethodPost || reqs[0].path != "/api/essays" {
		t.Errorf("request = %+v", reqs[0])
	}
	if strings.Contains(reqs[0].body, "author") || !strings.Contains(reqs[0].body, `"title":"T"`) {
		t.Errorf("body = %s", reqs[0].body)
	}
}

func TestStore_WriteErrors(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestError(w, http.StatusForbidden, model.ErrCodeNotAuthor)
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)
	ctx := context.Background()

	_, insertErr := store.Insert(ctx, model.Draft{Kind: model.KindNote, Body: "b"})
	_, updateErr := store.Update(ctx, model.KindNote, "p1", model.Patch{Body: "b"})
	removeErr := store.Remove(ctx, model.KindNote, "p1")

	for name, err := range map[string]error{"insert": insertErr, "update": updateErr, "delete": removeErr} {
		var we *model.RemoteWriteError
		if !errors.As(err, &we) {
			t.Errorf("%s: error = %v, want RemoteWriteError", name, err)
			continue
		}
		if we.Op != name || we.StatusCode != http.StatusForbidden || !we.NotAuthor() {
			t.Errorf("%s: RemoteWriteError = %+v", name, we)
		}
	}
}

func TestStore_UpdateAndRemove(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			json.NewEncoder(w).Encode(model.Post{ID: "p1", Kind: model.KindNote, Body: "edited"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)
	ctx := context.Background()

	post, err := store.Update(ctx, model.KindNote, "p1", model.Patch{Body: "edited"})
	if err != nil || post.Body != "edited" {
		t.Fatalf("Update() = %+v, %v", post, err)
	}
	if err := store.Remove(ctx, model.KindNote, "p1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	reqs := requests()
	if reqs[0].method != http.MethodPatch || reqs[0].path != "/api/notes/p1" {
		t.Errorf("update request = %+v", reqs[0])
	}
	if reqs[1].method != http.MethodDelete || reqs[1].path != "/api/notes/p1" {
		t.Errorf("delete request = %+v", reqs[1])
	}
}

func TestStore_EnsureProfile(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"subject":"user-1","created":false}`))
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	if err := store.EnsureProfile(context.Background(), "user-1", "hanako@example.com"); err != nil {
		t.Fatalf("EnsureProfile() error: %v", err)
	}
	reqs := requests()
	if reqs[0].method != http.MethodPut || reqs[0].path != "/api/profile" || !strings.Contains(reqs[0].body, `"subject":"user-1"`) {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestStore_EnsureProfile_Rejected(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestError(w, http.StatusForbidden, model.ErrCodeSubjectMismatch)
	})
	store := NewStore(StoreConfig{ServerURL: srv.URL}, staticToken{token: "tok"}, nil)

	if err := store.EnsureProfile(context.Background(), "user-2", ""); err == nil {
		t.Error("EnsureProfile() should fail")
	}
}
