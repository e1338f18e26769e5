// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

var (
	// ErrPostNotFound は対象の投稿が存在しないことを表す。
	ErrPostNotFound = errors.New("post not found")
	// ErrNotAuthor は投稿は存在するが呼び出し元が投稿者ではないことを表す。
	ErrNotAuthor = errors.New("caller is not the author")
	// ErrDuplicateIdentity は同じIdPアカウントのidentityが既に登録済みであることを表す。
	ErrDuplicateIdentity = errors.New("identity already exists")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile はIdPから取得した表示情報でユーザーを更新する。
	UpdateProfile(ctx context.Context, user *model.User) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// RefreshTokenRepository はリフレッシュトークンの永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを保存する。
	Create(ctx context.Context, token *model.RefreshToken) error
	// FindByHash はハッシュでトークンを取得する。失効済み・期限切れも返す。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	// Rotate は旧トークンを失効させ新トークンを保存する。
	// 旧トークンが既に失効済みの場合は何もせずfalseを返す。
	Rotate(ctx context.Context, oldID string, next *model.RefreshToken) (bool, error)
	// RevokeByHash は指定トークンを失効させる。存在しなくてもエラーにしない。
	RevokeByHash(ctx context.Context, tokenHash string) error
	// RevokeByUserID は指定ユーザーの全トークンを失効させる。
	RevokeByUserID(ctx context.Context, userID string) error
}

// AuthCodeRepository はワンタイム認可コードの永続化インターフェース。
type AuthCodeRepository interface {
	// Create は認可コードを保存する。
	Create(ctx context.Context, code *model.AuthCode) error
	// Consume は認可コードを削除して返す。2回目以降の呼び出しではnilを返す。
	Consume(ctx context.Context, codeHash string) (*model.AuthCode, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// Ensure はプロフィールが無ければ作成する。作成した場合はtrueを返す。
	Ensure(ctx context.Context, profile *model.Profile) (bool, error)
	// FindBySubject はプロフィールを取得する。見つからない場合はnilを返す。
	FindBySubject(ctx context.Context, subject string) (*model.Profile, error)
}

// PostRepository はエッセイ・ノートの永続化インターフェース。
// 種別ごとのテーブルはKindから固定のマッピングで決まる。
type PostRepository interface {
	// List はコレクションの全投稿を作成日時の降順で返す。
	List(ctx context.Context, kind model.Kind) ([]model.Post, error)
	// Insert は投稿を作成する。CreatedAtがゼロ値の場合はDBの現在時刻を使う。
	Insert(ctx context.Context, post *model.Post) error
	// Update は投稿者本人の投稿のみ更新する。
	// 存在しない場合はErrPostNotFound、投稿者以外の場合はErrNotAuthorを返す。
	Update(ctx context.Context, kind model.Kind, id, authorID string, patch model.Patch) (*model.Post, error)
	// Delete は投稿者本人の投稿のみ削除する。エラーはUpdateと同じ。
	Delete(ctx context.Context, kind model.Kind, id, authorID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
