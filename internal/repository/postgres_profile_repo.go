package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/digijournal/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// Ensure はプロフィールが無ければ作成する。
// 既存のプロフィールは上書きしない（ON CONFLICT DO NOTHING）。
func (r *PostgresProfileRepo) Ensure(ctx context.Context, profile *model.Profile) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, email, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		profile.Subject, profile.Email, profile.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to ensure profile: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// FindBySubject はプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindBySubject(ctx context.Context, subject string) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, email, created_at FROM profiles WHERE user_id = $1`,
		subject,
	).Scan(&p.Subject, &p.Email, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

var _ ProfileRepository = (*PostgresProfileRepo)(nil)
