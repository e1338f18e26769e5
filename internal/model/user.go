// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// IDはIdPのsubjectとは独立したサービス内の主体識別子で、クライアントにはsubjectとして渡る。
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// RefreshToken はアクセストークン更新用の長期トークンを表す。
// 値そのものは保存せず、SHA-256ハッシュのみを永続化する。
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// AuthCode はリダイレクト完了時にクライアントへ渡すワンタイムの認可コードを表す。
type AuthCode struct {
	CodeHash  string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Session はクライアント側で保持する認証済みセッションを表す。
// プロセス内で同時に有効なSessionは高々1つ。
type Session struct {
	Subject      string
	Name         string
	Email        string
	AvatarURL    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired はアクセストークンが期限切れ（またはskew以内に期限切れ）かを返す。
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// CanRefresh はリフレッシュトークンを持つかを返す。
func (s *Session) CanRefresh() bool {
	return s.RefreshToken != ""
}

// DisplayName は投稿者名のスナップショットとして使う表示名を返す。
// フルネーム、メールアドレス、"Unknown" の順にフォールバックする。
func DisplayName(name, email string) string {
	if name != "" {
		return name
	}
	if email != "" {
		return email
	}
	return "Unknown"
}

// Profile はsubjectごとに1件だけ存在する永続化プロフィール。
type Profile struct {
	Subject   string
	Email     string
	CreatedAt time.Time
}

// SessionEventType はIdPが発行するセッション変更イベントの種類。
type SessionEventType string

const (
	SessionIssued  SessionEventType = "issued"
	SessionRenewed SessionEventType = "renewed"
	SessionRevoked SessionEventType = "revoked"
)

// SessionEvent はセッション変更の通知。Revokedの場合Sessionはnil。
type SessionEvent struct {
	Type    SessionEventType
	Session *Session
}
