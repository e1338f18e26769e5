// Package security は投稿テキストの検証、HTML出力のエスケープ、リンク検証を提供する。
package security

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/digijournal/internal/model"
)

// TextSanitizer は投稿のタイトル・本文・著者名を検証する。
// 「x<y」や「<div>」のような文字列も書かれたとおりに保存するため、内容は書き換えない。
type TextSanitizer interface {
	// Plain は前後の空白を除いたテキストを返す。
	// 不正なUTF-8や、改行・タブ以外の制御文字を含む場合は *model.ValidationError を返す。
	Plain(field, s string) (string, error)
}

type textSanitizer struct{}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return textSanitizer{}
}

func (textSanitizer) Plain(field, in string) (string, error) {
	if !utf8.ValidString(in) {
		return "", &model.ValidationError{Field: field, Message: "must be valid UTF-8 text"}
	}
	out := strings.TrimSpace(in)
	for _, r := range out {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return "", &model.ValidationError{Field: field, Message: "must not contain control characters"}
		}
	}
	return out, nil
}

var htmlPolicy = bluemonday.StrictPolicy()

// HTMLText はテキストをHTMLページへ埋め込める形にする。タグは除去し、残りはエスケープする。
// 保存済みの投稿には使わず、サーバーから受け取ったメッセージを表示するページにだけ使う。
func HTMLText(s string) string {
	return htmlPolicy.Sanitize(s)
}
