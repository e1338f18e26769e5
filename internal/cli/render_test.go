package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/digijournal/internal/feedsync"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/shell"
)

func TestRenderFeed_DistinguishesLoadingFromEmpty(t *testing.T) {
	assert.Contains(t, renderFeed(feedsync.Snapshot{Kind: model.KindNote}, ""), "Loading")
	assert.Contains(t, renderFeed(feedsync.Snapshot{Kind: model.KindNote, Loaded: true}, ""), "No notes yet.")
}

func TestRenderFeed_MarksOwnPosts(t *testing.T) {
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	snap := feedsync.Snapshot{
		Kind:   model.KindEssay,
		Loaded: true,
		Posts: []model.Post{
			{ID: "e2", AuthorID: "user-2", AuthorName: "Taro", Title: "Theirs", Body: "b", CreatedAt: created},
			{ID: "e1", AuthorID: "user-1", AuthorName: "Hanako", Title: "Mine", Body: "b", CreatedAt: created},
		},
	}

	out := renderFeed(snap, "user-1")
	require.Equal(t, 1, strings.Count(out, "(you)"))
	assert.Less(t, strings.Index(out, "Theirs"), strings.Index(out, "Mine"))
}

func TestRenderPost_UntitledAndLink(t *testing.T) {
	out := renderPost(model.Post{ID: "n1", AuthorName: "Hanako", Body: "see this", Link: "https://example.com"}, false)
	assert.Contains(t, out, "(untitled)")
	assert.Contains(t, out, "https://example.com")
	assert.NotContains(t, out, "(you)")
}

func TestRenderView_Routes(t *testing.T) {
	tests := []struct {
		view shell.View
		want string
	}{
		{shell.View{Route: shell.RouteLoading}, "Loading"},
		{shell.View{Route: shell.RouteCompletingRedirect}, "Completing sign-in"},
		{shell.View{Route: shell.RouteUnauthenticated, Notice: "Sign-in failed."}, "Sign-in failed."},
		{shell.View{
			Route:   shell.RouteAuthenticated,
			Session: &model.Session{Subject: "user-1", Name: "Hanako"},
			Variant: model.KindNote,
			Feed:    feedsync.Snapshot{Kind: model.KindNote, Loaded: true},
		}, "Signed in as Hanako"},
	}
	for _, tt := range tests {
		t.Run(tt.view.Route.String(), func(t *testing.T) {
			assert.Contains(t, renderView(tt.view), tt.want)
		})
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Hanako <h@example.com>", displayName(&model.Session{Name: "Hanako", Email: "h@example.com"}))
	assert.Equal(t, "Hanako", displayName(&model.Session{Name: "Hanako"}))
	assert.Equal(t, "h@example.com", displayName(&model.Session{Email: "h@example.com"}))
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false, "yep\n": false} {
		assert.Equal(t, want, confirm(strings.NewReader(input), &strings.Builder{}, "Delete?"), "input %q", input)
	}
}
