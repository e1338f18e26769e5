package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/digijournal/internal/model"
)

// postTable は種別ごとのテーブルとカラムを固定で対応付ける。
// SQLにはこの定義から組み立てた文字列のみを埋め込む。
type postTable struct {
	name    string
	columns string
}

var postTables = map[model.Kind]postTable{
	model.KindEssay: {name: "essays", columns: "id, author_id, author_name, title, body, created_at"},
	model.KindNote:  {name: "notes", columns: "id, author_id, author_name, body, COALESCE(link, ''), created_at"},
}

func tableFor(kind model.Kind) (postTable, error) {
	t, ok := postTables[kind]
	if !ok {
		return postTable{}, fmt.Errorf("unknown post kind: %q", kind)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(kind model.Kind, row rowScanner) (model.Post, error) {
	p := model.Post{Kind: kind}
	var err error
	if kind == model.KindEssay {
		err = row.Scan(&p.ID, &p.AuthorID, &p.AuthorName, &p.Title, &p.Body, &p.CreatedAt)
	} else {
		err = row.Scan(&p.ID, &p.AuthorID, &p.AuthorName, &p.Body, &p.Link, &p.CreatedAt)
	}
	return p, err
}

// nullableLink は空のリンクをNULLとして保存する。
func nullableLink(link string) sql.NullString {
	return sql.NullString{String: link, Valid: link != ""}
}

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// List は全件を作成日時の降順（同時刻はID降順）で返す。
func (r *PostgresPostRepo) List(ctx context.Context, kind model.Kind) ([]model.Post, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + t.columns + ` FROM ` + t.name + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.name, err)
	}
	defer rows.Close()

	posts := make([]model.Post, 0)
	for rows.Next() {
		p, err := scanPost(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.name, err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", t.name, err)
	}
	return posts, nil
}

// Insert は投稿を作成し、DBが確定したcreated_atをpostに書き戻す。
func (r *PostgresPostRepo) Insert(ctx context.Context, post *model.Post) error {
	t, err := tableFor(post.Kind)
	if err != nil {
		return err
	}

	created := sql.NullTime{Time: post.CreatedAt, Valid: !post.CreatedAt.IsZero()}
	var row *sql.Row
	switch post.Kind {
	case model.KindEssay:
		row = r.db.QueryRowContext(ctx,
			`INSERT INTO essays (id, author_id, author_name, title, body, created_at)
			 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
			 RETURNING created_at`,
			post.ID, post.AuthorID, post.AuthorName, post.Title, post.Body, created,
		)
	default:
		row = r.db.QueryRowContext(ctx,
			`INSERT INTO notes (id, author_id, author_name, body, link, created_at)
			 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
			 RETURNING created_at`,
			post.ID, post.AuthorID, post.AuthorName, post.Body, nullableLink(post.Link), created,
		)
	}
	if err := row.Scan(&post.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", t.name, err)
	}
	return nil
}

// Update は投稿者本人の投稿のみ更新し、更新後の投稿を返す。
func (r *PostgresPostRepo) Update(ctx context.Context, kind model.Kind, id, authorID string, patch model.Patch) (*model.Post, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var row *sql.Row
	switch kind {
	case model.KindEssay:
		row = r.db.QueryRowContext(ctx,
			`UPDATE essays SET title = $3, body = $4
			 WHERE id = $1 AND author_id = $2
			 RETURNING `+t.columns,
			id, authorID, patch.Title, patch.Body,
		)
	default:
		row = r.db.QueryRowContext(ctx,
			`UPDATE notes SET body = $3, link = $4
			 WHERE id = $1 AND author_id = $2
			 RETURNING `+t.columns,
			id, authorID, patch.Body, nullableLink(patch.Link),
		)
	}

	p, err := scanPost(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyMiss(ctx, t, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", t.name, err)
	}
	return &p, nil
}

// Delete は投稿者本人の投稿のみ削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, kind model.Kind, id, authorID string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM `+t.name+` WHERE id = $1 AND author_id = $2`,
		id, authorID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return r.classifyMiss(ctx, t, id)
	}
	return nil
}

// classifyMiss は更新・削除が0件だった理由を判定する。
func (r *PostgresPostRepo) classifyMiss(ctx context.Context, t postTable, id string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+t.name+` WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", t.name, err)
	}
	if exists {
		return ErrNotAuthor
	}
	return ErrPostNotFound
}

var _ PostRepository = (*PostgresPostRepo)(nil)
