// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// DedupRepository はフィンガープリントの永続化インターフェース。
type DedupRepository interface {
	// Exists はフィンガープリントが記録済みかを返す。
	Exists(ctx context.Context, fp model.Fingerprint) (bool, error)

	// InsertIfAbsent は未記録の場合のみ記録し、記録したかどうかを返す。
	// 同一フィンガープリントに対する並行呼び出しのうち1つだけがtrueを返す。
	InsertIfAbsent(ctx context.Context, fp model.Fingerprint, at time.Time) (bool, error)

	// DeleteBefore はcutoffより前に記録されたフィンガープリントを削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueRepository は公開キューの永続化インターフェース。
type QueueRepository interface {
	// Save はエントリを保存する。同じIDのエントリは上書きする。
	Save(ctx context.Context, entry model.QueueEntry) error
	// Delete はエントリを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, id string) error
	// List は保存済みの全エントリを配信順で返す。
	List(ctx context.Context) ([]model.QueueEntry, error)
	// LastDispatch は最終配信時刻を返す。未配信の場合はゼロ値を返す。
	LastDispatch(ctx context.Context) (time.Time, error)
	// SetLastDispatch は最終配信時刻を保存する。
	SetLastDispatch(ctx context.Context, at time.Time) error
}

// DeadLetterRepository はデッドレターの永続化インターフェース。
type DeadLetterRepository interface {
	// Append はデッドレターエントリを追加する。同じIDの再追加は無視する。
	Append(ctx context.Context, entry model.DeadLetterEntry) error
	// List は新しい順にlimit件（offset以降）を返す。
	List(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error)
	// Count はデッドレターエントリ数を返す。
	Count(ctx context.Context) (int, error)
}
