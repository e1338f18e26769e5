package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/digijournal/internal/model"
)

// PostgresIdentityRepo はIdPのsubjectとユーザーの対応を引くリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const selectIdentity = `SELECT id, user_id, provider, provider_user_id, created_at FROM identities`

// FindByProviderAndProviderUserID はIdP上のsubjectに紐づくidentityを返す。未登録ならnil。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	var id model.Identity
	row := r.db.QueryRowContext(ctx, selectIdentity+` WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID)
	switch err := row.Scan(&id.ID, &id.UserID, &id.Provider, &id.ProviderUserID, &id.CreatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find identity for %s: %w", provider, err)
	}
	return &id, nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
