package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用した公開キューリポジトリ。
// エントリ本体はpublication_queue、最終配信時刻はdelivery_stateの単一行に保存する。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// Save はエントリをUPSERTする。
func (r *PostgresQueueRepo) Save(ctx context.Context, entry model.QueueEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO publication_queue
		    (id, payload, priority, not_before, attempt, enqueued_at, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET
		    payload = EXCLUDED.payload,
		    priority = EXCLUDED.priority,
		    not_before = EXCLUDED.not_before,
		    attempt = EXCLUDED.attempt,
		    last_error = EXCLUDED.last_error,
		    updated_at = now()`,
		entry.ID, payload, entry.Priority, entry.NotBefore,
		entry.Attempt, entry.EnqueuedAt, entry.LastError,
	)
	if err != nil {
		return fmt.Errorf("キューエントリの保存に失敗しました: %w", err)
	}
	return nil
}

// Delete はエントリを削除する。
func (r *PostgresQueueRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM publication_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("キューエントリの削除に失敗しました: %w", err)
	}
	return nil
}

// List は保存済みの全エントリを配信順で返す。
func (r *PostgresQueueRepo) List(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload, priority, not_before, attempt, enqueued_at, last_error
		 FROM publication_queue
		 ORDER BY priority DESC, enqueued_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("キューエントリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &payload, &e.Priority, &e.NotBefore, &e.Attempt, &e.EnqueuedAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("キューエントリのスキャンに失敗しました: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("ペイロードのデコードに失敗しました (id=%s): %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キューエントリの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// LastDispatch は最終配信時刻を返す。記録がない場合はゼロ値を返す。
func (r *PostgresQueueRepo) LastDispatch(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT last_dispatch_at FROM delivery_state WHERE id = 1`,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("最終配信時刻の取得に失敗しました: %w", err)
	}
	return at, nil
}

// SetLastDispatch は最終配信時刻を保存する。
func (r *PostgresQueueRepo) SetLastDispatch(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_state (id, last_dispatch_at, updated_at)
		 VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET last_dispatch_at = EXCLUDED.last_dispatch_at, updated_at = now()`,
		at,
	)
	if err != nil {
		return fmt.Errorf("最終配信時刻の保存に失敗しました: %w", err)
	}
	return nil
}
