package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/newsrelay/internal/model"
)

// PostgresDeadLetterRepo はPostgreSQLを使用したデッドレターリポジトリ。
type PostgresDeadLetterRepo struct {
	db *sql.DB
}

// NewPostgresDeadLetterRepo はPostgresDeadLetterRepoを生成する。
func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db}
}

// Append はデッドレターエントリを追加する。
// 追加後にキューからの削除が失敗して再度Appendされても重複しない。
func (r *PostgresDeadLetterRepo) Append(ctx context.Context, entry model.DeadLetterEntry) error {
	payload, err := json.Marshal(entry.Entry.Payload)
	if err != nil {
		return fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, payload, priority, attempt, enqueued_at, last_error, exhausted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		entry.Entry.ID, payload, entry.Entry.Priority, entry.Entry.Attempt,
		entry.Entry.EnqueuedAt, entry.LastError, entry.ExhaustedAt,
	)
	if err != nil {
		return fmt.Errorf("デッドレターの保存に失敗しました: %w", err)
	}
	return nil
}

// List は新しい順にlimit件（offset以降）を返す。limitが0以下の場合は全件を返す。
func (r *PostgresDeadLetterRepo) List(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload, priority, attempt, enqueued_at, last_error, exhausted_at
		 FROM dead_letters
		 ORDER BY exhausted_at DESC, id ASC
		 LIMIT $1 OFFSET $2`,
		limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("デッドレターの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := []model.DeadLetterEntry{}
	for rows.Next() {
		var d model.DeadLetterEntry
		var payload []byte
		if err := rows.Scan(
			&d.Entry.ID, &payload, &d.Entry.Priority, &d.Entry.Attempt,
			&d.Entry.EnqueuedAt, &d.LastError, &d.ExhaustedAt,
		); err != nil {
			return nil, fmt.Errorf("デッドレターのスキャンに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Entry.Payload); err != nil {
			return nil, fmt.Errorf("ペイロードのデコードに失敗しました (id=%s): %w", d.Entry.ID, err)
		}
		d.Entry.LastError = d.LastError
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("デッドレターの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// Count はデッドレターエントリ数を返す。
func (r *PostgresDeadLetterRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("デッドレター件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
