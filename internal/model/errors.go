// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidGrant     = "INVALID_GRANT"
	ErrCodeInvalidRedirect  = "INVALID_REDIRECT"
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeInvalidURL       = "INVALID_URL"
	ErrCodePostNotFound     = "POST_NOT_FOUND"
	ErrCodeNotAuthor        = "NOT_AUTHOR"
	ErrCodeUnknownKind      = "UNKNOWN_COLLECTION"
	ErrCodeSubjectMismatch  = "SUBJECT_MISMATCH"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeStreamNotAllowed = "STREAMING_UNSUPPORTED"
)

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidGrantError はトークン交換・更新に失敗した場合のエラーを生成する。
func NewInvalidGrantError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGrant,
		Message:  fmt.Sprintf("認可情報が無効です: %s", reason),
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewInvalidRedirectError は許可されていないリダイレクト先が指定された場合のエラーを生成する。
func NewInvalidRedirectError(redirectTo string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRedirect,
		Message:  fmt.Sprintf("許可されていないリダイレクト先です: %s", redirectTo),
		Category: "auth",
		Action:   "アプリケーションからログインを開始してください。",
	}
}

// NewValidationAPIError は入力検証エラーを生成する。
func NewValidationAPIError(field, message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("%s: %s", field, message),
		Category: "validation",
		Action:   "必須項目を入力してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "フィードを更新してください。",
	}
}

// NewNotAuthorError は投稿者以外が編集・削除しようとした場合のエラーを生成する。
func NewNotAuthorError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthor,
		Message:  "この投稿を変更する権限がありません。",
		Category: "post",
		Action:   "自分の投稿のみ編集・削除できます。",
	}
}

// NewUnknownCollectionError は未知のコレクションが指定された場合のエラーを生成する。
func NewUnknownCollectionError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownKind,
		Message:  fmt.Sprintf("未知のコレクションです: %s", name),
		Category: "validation",
		Action:   "essays または notes を指定してください。",
	}
}

// NewSubjectMismatchError はトークンのsubjectと異なるプロフィールを操作しようとした場合のエラーを生成する。
func NewSubjectMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeSubjectMismatch,
		Message:  "他のユーザーのプロフィールは作成できません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewStreamingUnsupportedError は変更ストリームを配信できない場合のエラーを生成する。
func NewStreamingUnsupportedError() *APIError {
	return &APIError{
		Code:     ErrCodeStreamNotAllowed,
		Message:  "変更ストリームを配信できません。",
		Category: "system",
		Action:   "ポーリングモードで同期してください。",
	}
}

// --- クライアント側のエラー分類 ---

// ErrNoSession はセッションが存在しないことを表す。
var ErrNoSession = errors.New("no session")

// AuthError はIdPが認証を拒否した、またはセッションが存在しない場合のエラー。
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError は送信前に検出される必須項目エラー。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// RemoteWriteError は作成・更新・削除がRemote Data Storeに拒否された場合のエラー。
// StatusCodeはHTTPステータス（ネットワークエラー時は0）。
type RemoteWriteError struct {
	Op         string
	Collection string
	ID         string
	StatusCode int
	Code       string
	Err        error
}

func (e *RemoteWriteError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("remote %s %s/%s failed: %v", e.Op, e.Collection, e.ID, e.Err)
	}
	return fmt.Sprintf("remote %s %s failed: %v", e.Op, e.Collection, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// NotAuthor は投稿者以外による変更として拒否されたかを返す。
func (e *RemoteWriteError) NotAuthor() bool {
	return e.Code == ErrCodeNotAuthor
}

// RemoteReadError はコレクション取得に失敗した場合のエラー。
type RemoteReadError struct {
	Collection string
	StatusCode int
	Err        error
}

func (e *RemoteReadError) Error() string {
	return fmt.Sprintf("remote list %s failed: %v", e.Collection, e.Err)
}

func (e *RemoteReadError) Unwrap() error { return e.Err }

// IsValidationError はerrがValidationErrorかを返す。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRemoteWriteError はerrがRemoteWriteErrorかを返す。
func IsRemoteWriteError(err error) bool {
	var we *RemoteWriteError
	return errors.As(err, &we)
}
