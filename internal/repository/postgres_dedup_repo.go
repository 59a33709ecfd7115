package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// PostgresDedupRepo はPostgreSQLを使用したフィンガープリントリポジトリ。
type PostgresDedupRepo struct {
	db *sql.DB
}

// NewPostgresDedupRepo はPostgresDedupRepoを生成する。
func NewPostgresDedupRepo(db *sql.DB) *PostgresDedupRepo {
	return &PostgresDedupRepo{db: db}
}

// Exists はフィンガープリントが記録済みかを返す。
func (r *PostgresDedupRepo) Exists(ctx context.Context, fp model.Fingerprint) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dedup_records WHERE fingerprint = $1)`,
		string(fp),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("フィンガープリントの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// InsertIfAbsent は未記録の場合のみ記録する。
// 主キー制約とON CONFLICT DO NOTHINGにより、並行する挿入のうち1件だけが行を追加する。
func (r *PostgresDedupRepo) InsertIfAbsent(ctx context.Context, fp model.Fingerprint, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO dedup_records (fingerprint, first_seen_at)
		 VALUES ($1, $2)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		string(fp), at,
	)
	if err != nil {
		return false, fmt.Errorf("フィンガープリントの記録に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// DeleteBefore はcutoffより前に記録されたフィンガープリントを削除する。
func (r *PostgresDedupRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE first_seen_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いフィンガープリントの削除に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
