// Package cache は翻訳結果などのTTL付きキャッシュを提供する。
package cache

import (
	"context"
	"time"
)

// Cache はキーと値のTTL付きキャッシュのインターフェース。
// キーが存在しない場合はfound=falseでエラーなしを返す。
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
