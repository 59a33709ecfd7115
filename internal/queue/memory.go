package queue

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// MemoryStore はメモリ上のStore実装。プロセス再起動でエントリは失われる。
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]model.QueueEntry
	lastDispatch time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.QueueEntry)}
}

// Save はエントリを保存する。同じIDのエントリは上書きする。
func (s *MemoryStore) Save(_ context.Context, entry model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// Delete はエントリを削除する。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// List は保存済みエントリを返す。順序は保証しない。
func (s *MemoryStore) List(_ context.Context) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// LastDispatch は最終配信時刻を返す。
func (s *MemoryStore) LastDispatch(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDispatch, nil
}

// SetLastDispatch は最終配信時刻を保存する。
func (s *MemoryStore) SetLastDispatch(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDispatch = at
	return nil
}

// MemoryDeadLetters はメモリ上のDeadLetterStore実装。
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []model.DeadLetterEntry
}

// NewMemoryDeadLetters は空のMemoryDeadLettersを生成する。
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Append はデッドレターエントリを追加する。
func (d *MemoryDeadLetters) Append(_ context.Context, entry model.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry)
	return nil
}

// List は新しい順にlimit件（offset以降）を返す。
func (d *MemoryDeadLetters) List(_ context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.DeadLetterEntry, 0, len(d.entries))
	for i := len(d.entries) - 1; i >= 0; i-- {
		out = append(out, d.entries[i])
	}
	if offset >= len(out) {
		return []model.DeadLetterEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Count はデッドレターエントリ数を返す。
func (d *MemoryDeadLetters) Count(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries), nil
}
