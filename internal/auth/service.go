// Package auth はIdentity Providerとしての認証フロー（OAuthログイン、
// ワンタイム認可コード、アクセストークン発行と更新）を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/repository"
)

// ErrInvalidGrant は認可コードまたはリフレッシュトークンが無効・期限切れ・使用済みであることを表す。
var ErrInvalidGrant = errors.New("invalid grant")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
	Provider       string
}

// OAuthProvider は上流OAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AuthCodeTTL     time.Duration
	RefreshTokenTTL time.Duration
}

// TokenPair はクライアントに払い出すトークン一式。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	userRepo  repository.UserRepository
	identRepo repository.IdentityRepository
	tokenRepo repository.RefreshTokenRepository
	codeRepo  repository.AuthCodeRepository
	issuer    *TokenIssuer
	config    ServiceConfig
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	tokenRepo repository.RefreshTokenRepository,
	codeRepo repository.AuthCodeRepository,
	issuer *TokenIssuer,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:     oauth,
		userRepo:  userRepo,
		identRepo: identRepo,
		tokenRepo: tokenRepo,
		codeRepo:  codeRepo,
		issuer:    issuer,
		config:    config,
		now:       time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、クライアントに渡すワンタイム認可コードを返す。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 登録済みユーザーの場合は表示情報をIdPの最新値で更新する。
func (s *Service) HandleCallback(ctx context.Context, code string) (string, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}

	now := s.now()
	user := &model.User{
		Email:     userInfo.Email,
		Name:      userInfo.Name,
		AvatarURL: userInfo.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if identity != nil {
		user.ID = identity.UserID
		if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
			return "", fmt.Errorf("failed to update user: %w", err)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
	} else {
		user.ID = uuid.New().String()
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			CreatedAt:      now,
		}
		err := s.userRepo.CreateWithIdentity(ctx, user, newIdentity)
		switch {
		case errors.Is(err, repository.ErrDuplicateIdentity):
			// 同じアカウントの並行ログインが先に登録を終えた
			existing, findErr := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
			if findErr != nil || existing == nil {
				return "", fmt.Errorf("failed to resolve concurrently created identity: %w", err)
			}
			user.ID = existing.UserID
		case err != nil:
			return "", fmt.Errorf("failed to create user and identity: %w", err)
		default:
			slog.Info("new user created",
				slog.String("user_id", user.ID),
				slog.String("provider", userInfo.Provider),
			)
		}
	}

	authCode, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("failed to generate auth code: %w", err)
	}
	if err := s.codeRepo.Create(ctx, &model.AuthCode{
		CodeHash:  hashSecret(authCode),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.config.AuthCodeTTL),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to save auth code: %w", err)
	}

	return authCode, nil
}

// ExchangeAuthCode はワンタイム認可コードをトークンに交換する。
// 同じコードは2度使えない。
func (s *Service) ExchangeAuthCode(ctx context.Context, code string) (*TokenPair, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidGrant)
	}

	authCode, err := s.codeRepo.Consume(ctx, hashSecret(code))
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	if authCode == nil {
		return nil, fmt.Errorf("%w: unknown or used code", ErrInvalidGrant)
	}
	if !s.now().Before(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}

	return s.issue(ctx, authCode.UserID, func(next *model.RefreshToken) error {
		return s.tokenRepo.Create(ctx, next)
	})
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークン一式を返す。
// 失効済みトークンが再提示された場合は漏洩とみなし、ユーザーの全トークンを失効させる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrInvalidGrant)
	}

	current, err := s.tokenRepo.FindByHash(ctx, hashSecret(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
	}
	if current.RevokedAt != nil {
		slog.Warn("revoked refresh token presented, revoking all tokens",
			slog.String("user_id", current.UserID),
		)
		if err := s.tokenRepo.RevokeByUserID(ctx, current.UserID); err != nil {
			return nil, fmt.Errorf("failed to revoke user tokens: %w", err)
		}
		return nil, fmt.Errorf("%w: refresh token revoked", ErrInvalidGrant)
	}
	if !s.now().Before(current.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	return s.issue(ctx, current.UserID, func(next *model.RefreshToken) error {
		rotated, err := s.tokenRepo.Rotate(ctx, current.ID, next)
		if err != nil {
			return err
		}
		if !rotated {
			return fmt.Errorf("%w: refresh token already rotated", ErrInvalidGrant)
		}
		return nil
	})
}

// Revoke はリフレッシュトークンを失効させる。未知のトークンでもエラーにしない。
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.tokenRepo.RevokeByHash(ctx, hashSecret(refreshToken)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// Authenticate はアクセストークンを検証しClaimsを返す。
func (s *Service) Authenticate(accessToken string) (*Claims, error) {
	return s.issuer.Verify(accessToken)
}

// GetCurrentUser は指定ユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}
	return user, nil
}

// issue はアクセストークンと新しいリフレッシュトークンを発行する。
// persistは新しいリフレッシュトークンの保存方法（新規作成かローテーション）。
func (s *Service) issue(ctx context.Context, userID string, persist func(*model.RefreshToken) error) (*TokenPair, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user no longer exists", ErrInvalidGrant)
	}

	refresh, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := s.now()
	if err := persist(&model.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: hashSecret(refresh),
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	access, expiresAt, err := s.issuer.Issue(user.ID, user.Email, user.Name, user.AvatarURL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt, User: user}, nil
}

// generateSecret は暗号的に安全なランダム値を生成する。
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSecret は保存用にSHA-256ハッシュを返す。
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
