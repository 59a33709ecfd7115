// Package cleanup は重複排除レコードの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過したフィンガープリントを定期的に削除する。
// 削除後は同一内容の記事が再び受理される。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsrelay/internal/clock"
)

// DefaultRetentionDays はフィンガープリントの保持日数のデフォルト値。
const DefaultRetentionDays = 7

// Purger は記録時刻がcutoffより前のレコードを削除するストア。
// repository.PostgresDedupRepo や dedup.MemoryStore が満たす。
type Purger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したフィンガープリントの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store         Purger
	clock         clock.Clock
	logger        *slog.Logger
	RetentionDays int // フィンガープリントの保持日数
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store Purger, clk clock.Clock, logger *slog.Logger) *CleanupJob {
	if clk == nil {
		clk = clock.Real{}
	}
	return &CleanupJob{
		store:         store,
		clock:         clk,
		logger:        logger,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はfirst_seen_atがRetentionDays日前より古いフィンガープリントを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.clock.Now()
	cutoff := start.Add(-time.Duration(j.RetentionDays) * 24 * time.Hour)

	deletedCount, err := j.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("重複排除レコードのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("重複排除レコードのクリーンアップに失敗: %w", err)
	}

	duration := j.clock.Now().Sub(start)
	j.logger.Info("重複排除レコードのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降interval間隔で実行する。ctxのキャンセルで停止する。
// 個々の実行の失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
