package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hitoshi/digijournal/internal/feedsync"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/shell"
)

const timeLayout = "2006-01-02 15:04"

var (
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#93C5FD"}
	colorError  = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#FCA5A5"}
	colorOwn    = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#6EE7B7"}

	titleStyle     = lipgloss.NewStyle().Bold(true)
	metaStyle      = lipgloss.NewStyle().Foreground(colorMuted)
	linkStyle      = lipgloss.NewStyle().Foreground(colorAccent).Underline(true)
	errorStyle     = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	ownStyle       = lipgloss.NewStyle().Foreground(colorOwn)
	tabStyle       = lipgloss.NewStyle().Foreground(colorMuted).Padding(0, 1)
	activeTabStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Underline(true).Padding(0, 1)
	noticeStyle    = lipgloss.NewStyle().Foreground(colorError).Border(lipgloss.NormalBorder()).BorderForeground(colorError).Padding(0, 1)
	postStyle      = lipgloss.NewStyle().PaddingLeft(2).MarginBottom(1)
)

// renderPost は1件の投稿を描画する。ownは閲覧者自身の投稿であることを示す。
func renderPost(p model.Post, own bool) string {
	var b strings.Builder

	title := p.Title
	if title == "" {
		title = "(untitled)"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	meta := fmt.Sprintf("%s · %s · %s", p.AuthorName, p.CreatedAt.Local().Format(timeLayout), p.ID)
	b.WriteString(metaStyle.Render(meta))
	if own {
		b.WriteString(" ")
		b.WriteString(ownStyle.Render("(you)"))
	}
	b.WriteString("\n")

	if p.Body != "" {
		b.WriteString(p.Body)
		b.WriteString("\n")
	}
	if p.Link != "" {
		b.WriteString(linkStyle.Render(p.Link))
		b.WriteString("\n")
	}
	return postStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderFeed はフィードのスナップショットを描画する。
// 未取得と、取得済みで0件の場合は区別して表示する。
func renderFeed(snap feedsync.Snapshot, viewer string) string {
	if !snap.Loaded {
		return metaStyle.Render("Loading…")
	}
	if len(snap.Posts) == 0 {
		return metaStyle.Render(fmt.Sprintf("No %s yet.", snap.Kind.Collection()))
	}
	parts := make([]string, 0, len(snap.Posts))
	for _, p := range snap.Posts {
		parts = append(parts, renderPost(p, viewer != "" && p.AuthorID == viewer))
	}
	return strings.Join(parts, "\n")
}

// renderTabs は種別の切り替えタブを描画する。
func renderTabs(active model.Kind) string {
	tabs := make([]string, 0, 2)
	for _, k := range []model.Kind{model.KindEssay, model.KindNote} {
		style := tabStyle
		if k == active {
			style = activeTabStyle
		}
		tabs = append(tabs, style.Render(k.Collection()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

// renderView はShellの画面状態を描画する。
func renderView(v shell.View) string {
	var b strings.Builder
	switch v.Route {
	case shell.RouteLoading:
		b.WriteString(metaStyle.Render("Loading…"))
	case shell.RouteCompletingRedirect:
		b.WriteString(metaStyle.Render("Completing sign-in…"))
	case shell.RouteUnauthenticated:
		b.WriteString("Signed out. Run `journal login` to sign in.")
	case shell.RouteAuthenticated:
		viewer := ""
		if v.Session != nil {
			viewer = v.Session.Subject
			b.WriteString(metaStyle.Render("Signed in as " + displayName(v.Session)))
			b.WriteString("\n")
		}
		b.WriteString(renderTabs(v.Variant))
		b.WriteString("\n\n")
		b.WriteString(renderFeed(v.Feed, viewer))
	}
	if v.Notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(v.Notice))
	}
	return b.String()
}

func displayName(s *model.Session) string {
	switch {
	case s.Name != "" && s.Email != "":
		return fmt.Sprintf("%s <%s>", s.Name, s.Email)
	case s.Name != "":
		return s.Name
	default:
		return s.Email
	}
}

func renderError(msg string) string {
	return errorStyle.Render(msg)
}

// identity はwhoamiのJSON出力。トークンは出力しない。
type identity struct {
	Subject   string `json:"subject"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func identityOf(s *model.Session) identity {
	return identity{Subject: s.Subject, Name: s.Name, Email: s.Email, AvatarURL: s.AvatarURL}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
