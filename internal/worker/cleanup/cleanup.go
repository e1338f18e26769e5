// Package cleanup は認証情報の自動削除ジョブを提供する。
// 期限切れのワンタイム認可コードと、期限切れまたは失効後に保持期間を過ぎた
// リフレッシュトークンを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	deleteExpiredAuthCodes = `DELETE FROM auth_codes WHERE expires_at < now()`

	// 失効済みトークンは再提示の検知に使うため、保持期間が過ぎるまで残す
	deleteStaleRefreshTokens = `DELETE FROM refresh_tokens
		WHERE expires_at < now()
		   OR (revoked_at IS NOT NULL AND revoked_at < now() - $1::interval)`
)

// CleanupJob は不要になった認証情報の削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	db                   Executor
	logger               *slog.Logger
	RevokedRetentionDays int // 失効済みリフレッシュトークンの保持日数（デフォルト: 7）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                   db,
		logger:               logger,
		RevokedRetentionDays: 7,
	}
}

// Run は期限切れの認可コードと不要なリフレッシュトークンを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	codes, err := j.exec(ctx, "auth_codes", deleteExpiredAuthCodes)
	if err != nil {
		return err
	}

	interval := fmt.Sprintf("%d days", j.RevokedRetentionDays)
	tokens, err := j.exec(ctx, "refresh_tokens", deleteStaleRefreshTokens, interval)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("認証情報クリーンアップジョブが完了しました",
		slog.Int64("deleted_auth_codes", codes),
		slog.Int64("deleted_refresh_tokens", tokens),
		slog.Int("revoked_retention_days", j.RevokedRetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%sの削除件数の取得に失敗: %w", table, err)
	}
	return deleted, nil
}
