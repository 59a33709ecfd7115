package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/newsrelay/internal/model"
)

const dedupKeyPrefix = "dedup:"

// RedisDedupRepo はRedisを使用したフィンガープリントリポジトリ。
// レコードは保持期間のTTLで自動的に失効するため、DeleteBeforeは何もしない。
type RedisDedupRepo struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDedupRepo はRedisDedupRepoを生成する。
func NewRedisDedupRepo(client *redis.Client, retention time.Duration) *RedisDedupRepo {
	return &RedisDedupRepo{client: client, retention: retention}
}

func dedupKey(fp model.Fingerprint) string {
	return dedupKeyPrefix + string(fp)
}

// Exists はフィンガープリントが記録済みかを返す。
func (r *RedisDedupRepo) Exists(ctx context.Context, fp model.Fingerprint) (bool, error) {
	n, err := r.client.Exists(ctx, dedupKey(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("フィンガープリントの確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// InsertIfAbsent はSETNXで未記録の場合のみ記録する。値には初回記録時刻を保存する。
func (r *RedisDedupRepo) InsertIfAbsent(ctx context.Context, fp model.Fingerprint, at time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupKey(fp), at.UTC().Format(time.RFC3339), r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("フィンガープリントの記録に失敗しました: %w", err)
	}
	return ok, nil
}

// DeleteBefore はTTLに任せるため常に0を返す。
func (r *RedisDedupRepo) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
