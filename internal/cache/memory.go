package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitoshi/newsrelay/internal/clock"
)

// DefaultMemorySize はMemoryCacheのデフォルト最大エントリ数。
const DefaultMemorySize = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache はプロセス内LRUによるCache実装。
// 容量を超えると最も古く参照されたエントリから破棄し、期限切れのエントリは参照時に削除する。
type MemoryCache struct {
	lru   *lru.Cache[string, memoryEntry]
	clock clock.Clock
}

// NewMemoryCache は最大size件を保持するMemoryCacheを生成する。
func NewMemoryCache(size int, clk clock.Clock) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	l, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("LRUキャッシュの生成に失敗しました: %w", err)
	}
	return &MemoryCache{lru: l, clock: clk}, nil
}

// Get はキーに対応する値を取得する。期限切れの場合は未検出として扱う。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set は値をTTL付きで保存する。ttlが0以下の場合は期限なし。
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Len は保持しているエントリ数を返す。
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
