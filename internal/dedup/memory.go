package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// MemoryStore はメモリ上のStore実装。テストと開発用。
type MemoryStore struct {
	mu      sync.Mutex
	records map[model.Fingerprint]time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.Fingerprint]time.Time)}
}

// Exists はフィンガープリントが記録済みかを返す。
func (s *MemoryStore) Exists(_ context.Context, fp model.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[fp]
	return ok, nil
}

// InsertIfAbsent は未記録の場合のみ記録し、記録したかどうかを返す。
func (s *MemoryStore) InsertIfAbsent(_ context.Context, fp model.Fingerprint, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[fp]; ok {
		return false, nil
	}
	s.records[fp] = at
	return true, nil
}

// DeleteBefore はcutoffより前に記録されたフィンガープリントを削除し、削除件数を返す。
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for fp, at := range s.records {
		if at.Before(cutoff) {
			delete(s.records, fp)
			n++
		}
	}
	return n, nil
}

// Len は記録件数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
