package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind は投稿の種別（エッセイ / ノート）を表す。
type Kind string

const (
	// KindEssay はタイトルと本文を持つ長文投稿。
	KindEssay Kind = "essay"
	// KindNote は本文と任意のリンクを持つ短文投稿。
	KindNote Kind = "note"
)

// Kinds は全種別を表示順で返す。
func Kinds() []Kind {
	return []Kind{KindEssay, KindNote}
}

// Collection はRemote Data Store上のコレクション名を返す。
func (k Kind) Collection() string {
	switch k {
	case KindEssay:
		return "essays"
	case KindNote:
		return "notes"
	default:
		return ""
	}
}

// Valid は定義済みの種別かを返す。
func (k Kind) Valid() bool {
	return k == KindEssay || k == KindNote
}

// ParseKind は種別名またはコレクション名からKindを解決する。
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "essay", "essays":
		return KindEssay, nil
	case "note", "notes":
		return KindNote, nil
	default:
		return "", fmt.Errorf("unknown post kind: %q", s)
	}
}

// Post はエッセイとノートを共通に表す投稿。
// Titleはエッセイのみ、Linkはノートのみで使用する。
// IDとCreatedAtはRemote Data Storeが採番する。
type Post struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body"`
	Link       string    `json:"link,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Draft は作成フォームの入力値。author_idは含めない（サーバー側でセッションから注入する）。
type Draft struct {
	Kind  Kind   `json:"-"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

// Validate は必須項目が空でないことを検証する。
// 失敗時は *ValidationError を返す。
func (d Draft) Validate() error {
	if !d.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "unknown post kind"}
	}
	if d.Kind == KindEssay && strings.TrimSpace(d.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if strings.TrimSpace(d.Body) == "" {
		return &ValidationError{Field: "body", Message: "body is required"}
	}
	return nil
}

// Patch は編集フォームの入力値。エッセイはTitle/Body、ノートはBody/Linkを更新する。
// Linkが空文字の場合はリンクを削除する。
type Patch struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Link  string `json:"link"`
}

// Validate は種別に応じて必須項目を検証する。
func (p Patch) Validate(kind Kind) error {
	if kind == KindEssay && strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if strings.TrimSpace(p.Body) == "" {
		return &ValidationError{Field: "body", Message: "body is required"}
	}
	return nil
}

// Apply はパッチを投稿に適用した新しい値を返す。ID・作成日時・投稿者は変更しない。
func (p Patch) Apply(post Post) Post {
	post.Body = p.Body
	switch post.Kind {
	case KindEssay:
		post.Title = p.Title
	case KindNote:
		post.Link = p.Link
	}
	return post
}

// PatchFrom は既存投稿の値で初期化したPatchを返す（編集フォームの初期値）。
func PatchFrom(post Post) Patch {
	return Patch{Title: post.Title, Body: post.Body, Link: post.Link}
}

// SortPosts はフィードの並び順（作成日時の降順、同時刻はID降順）にソートする。
func SortPosts(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return Newer(posts[i], posts[j])
	})
}

// Newer はaがフィード上でbより前に並ぶかを返す。
func Newer(a, b Post) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
