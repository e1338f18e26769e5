// Package journal はエッセイ・ノートとプロフィールを扱うRemote Data Storeのドメインロジックを提供する。
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/repository"
	"github.com/hitoshi/digijournal/internal/security"
)

// Author は書き込みを行う認証済みユーザー。アクセストークンのClaimsから組み立てる。
type Author struct {
	ID    string
	Name  string
	Email string
}

// Service は投稿とプロフィールのサービス層。
// 著者IDは常にAuthorから注入し、リクエスト本文の値は使わない。
type Service struct {
	posts     repository.PostRepository
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	posts repository.PostRepository,
	profiles repository.ProfileRepository,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		posts:     posts,
		profiles:  profiles,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// List は指定種別の投稿を全件、新しい順に返す。投稿が無い場合は空スライスを返す。
func (s *Service) List(ctx context.Context, kind model.Kind) ([]model.Post, error) {
	posts, err := s.posts.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", kind.Collection(), err)
	}
	if posts == nil {
		posts = []model.Post{}
	}
	return posts, nil
}

// Create は投稿を作成する。
// 著者名はフルネーム、メールアドレス、"Unknown" の順で決まるスナップショットで、
// 以後プロフィールが変わっても更新しない。
func (s *Service) Create(ctx context.Context, author Author, draft model.Draft) (*model.Post, error) {
	var err error
	if draft.Title, err = s.sanitizer.Plain("title", draft.Title); err != nil {
		return nil, toAPIError(err)
	}
	if draft.Body, err = s.sanitizer.Plain("body", draft.Body); err != nil {
		return nil, toAPIError(err)
	}
	draft.Link = strings.TrimSpace(draft.Link)

	if err := draft.Validate(); err != nil {
		return nil, toAPIError(err)
	}
	if err := security.ValidateLink(draft.Link); err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}

	// 著者名はトークン由来なので、検証に通らなければ"Unknown"にする
	authorName, err := s.sanitizer.Plain("author", model.DisplayName(author.Name, author.Email))
	if err != nil || authorName == "" {
		authorName = model.DisplayName("", "")
	}

	post := &model.Post{
		ID:         uuid.New().String(),
		Kind:       draft.Kind,
		AuthorID:   author.ID,
		AuthorName: authorName,
		Title:      draft.Title,
		Body:       draft.Body,
		Link:       draft.Link,
	}
	if post.Kind != model.KindEssay {
		post.Title = ""
	}
	if post.Kind != model.KindNote {
		post.Link = ""
	}

	if err := s.posts.Insert(ctx, post); err != nil {
		return nil, fmt.Errorf("%sの作成に失敗しました: %w", draft.Kind.Collection(), err)
	}

	slog.Info("post created",
		slog.String("collection", post.Kind.Collection()),
		slog.String("post_id", post.ID),
		slog.String("author_id", post.AuthorID),
	)
	return post, nil
}

// Update は投稿者本人の投稿のみ更新する。作成日時と著者は変わらない。
func (s *Service) Update(ctx context.Context, authorID string, kind model.Kind, id string, patch model.Patch) (*model.Post, error) {
	var err error
	if patch.Title, err = s.sanitizer.Plain("title", patch.Title); err != nil {
		return nil, toAPIError(err)
	}
	if patch.Body, err = s.sanitizer.Plain("body", patch.Body); err != nil {
		return nil, toAPIError(err)
	}
	patch.Link = strings.TrimSpace(patch.Link)

	if err := patch.Validate(kind); err != nil {
		return nil, toAPIError(err)
	}
	if kind == model.KindNote {
		if err := security.ValidateLink(patch.Link); err != nil {
			return nil, model.NewInvalidURLError(err.Error())
		}
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewPostNotFoundError(id)
	}

	post, err := s.posts.Update(ctx, kind, id, authorID, patch)
	if err != nil {
		return nil, s.writeError(kind, id, authorID, "update", err)
	}
	return post, nil
}

// Delete は投稿者本人の投稿のみ削除する。
func (s *Service) Delete(ctx context.Context, authorID string, kind model.Kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewPostNotFoundError(id)
	}
	if err := s.posts.Delete(ctx, kind, id, authorID); err != nil {
		return s.writeError(kind, id, authorID, "delete", err)
	}

	slog.Info("post deleted",
		slog.String("collection", kind.Collection()),
		slog.String("post_id", id),
		slog.String("author_id", authorID),
	)
	return nil
}

// EnsureProfile はsubjectのプロフィールが無ければ作成する。
// 何度呼んでもプロフィールは1件のまま。
func (s *Service) EnsureProfile(ctx context.Context, subject, email string) (bool, error) {
	created, err := s.profiles.Ensure(ctx, &model.Profile{
		Subject:   subject,
		Email:     email,
		CreatedAt: s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("プロフィールの作成に失敗しました: %w", err)
	}
	if created {
		slog.Info("profile created", slog.String("user_id", subject))
	}
	return created, nil
}

func (s *Service) writeError(kind model.Kind, id, authorID, op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrPostNotFound):
		return model.NewPostNotFoundError(id)
	case errors.Is(err, repository.ErrNotAuthor):
		slog.Warn("write rejected: not the author",
			slog.String("op", op),
			slog.String("collection", kind.Collection()),
			slog.String("post_id", id),
			slog.String("user_id", authorID),
		)
		return model.NewNotAuthorError()
	default:
		return fmt.Errorf("%sの%sに失敗しました: %w", kind.Collection(), op, err)
	}
}

func toAPIError(err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return model.NewValidationAPIError(ve.Field, ve.Message)
	}
	return err
}
