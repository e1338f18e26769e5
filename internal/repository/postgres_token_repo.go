package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/digijournal/internal/model"
)

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Create はリフレッシュトークンを保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	return insertRefreshToken(ctx, r.db, token)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, token *model.RefreshToken) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt, nullableTime(token.RevokedAt), token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// FindByHash はハッシュでトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		 FROM refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &revokedAt, &token.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		token.RevokedAt = &t
	}
	return token, nil
}

// Rotate は旧トークンの失効と新トークンの保存を同一トランザクションで行う。
// 旧トークンが既に失効済み（並行リフレッシュや再利用）の場合はfalseを返す。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldID string, next *model.RefreshToken) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		oldID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// RevokeByHash は指定トークンを失効させる。
func (r *PostgresRefreshTokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeByUserID は指定ユーザーの全トークンを失効させる。
func (r *PostgresRefreshTokenRepo) RevokeByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return nil
}

// PostgresAuthCodeRepo はワンタイム認可コードのリポジトリ。
type PostgresAuthCodeRepo struct {
	db *sql.DB
}

// NewPostgresAuthCodeRepo はPostgresAuthCodeRepoを生成する。
func NewPostgresAuthCodeRepo(db *sql.DB) *PostgresAuthCodeRepo {
	return &PostgresAuthCodeRepo{db: db}
}

// Create は認可コードを保存する。
func (r *PostgresAuthCodeRepo) Create(ctx context.Context, code *model.AuthCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code_hash, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		code.CodeHash, code.UserID, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth code: %w", err)
	}
	return nil
}

// Consume は認可コードをDELETE ... RETURNINGで取り出す。
// 同じコードで並行に呼ばれても成功するのは1回だけ。
func (r *PostgresAuthCodeRepo) Consume(ctx context.Context, codeHash string) (*model.AuthCode, error) {
	code := &model.AuthCode{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM auth_codes WHERE code_hash = $1
		 RETURNING code_hash, user_id, expires_at, created_at`,
		codeHash,
	).Scan(&code.CodeHash, &code.UserID, &code.ExpiresAt, &code.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	return code, nil
}

// compile-time interface check
var (
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
	_ AuthCodeRepository     = (*PostgresAuthCodeRepo)(nil)
)
