package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Policy はリトライとサーキットブレーカーを合成した呼び出しポリシー。
// 各試行（HalfOpenの試行を含む）は個別にブレーカーを通過し、個別のタイムアウトを持つ。
type Policy struct {
	breaker        *CircuitBreaker
	retrier        *Retrier // nilの場合は1回だけ試行する
	attemptTimeout time.Duration
}

// NewPolicy はPolicyを生成する。retrierがnilの場合はリトライしない。
func NewPolicy(breaker *CircuitBreaker, retrier *Retrier, attemptTimeout time.Duration) *Policy {
	return &Policy{
		breaker:        breaker,
		retrier:        retrier,
		attemptTimeout: attemptTimeout,
	}
}

// Breaker は内部のサーキットブレーカーを返す。
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Execute はfnをポリシーに従って実行する。
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if p.attemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.attemptTimeout)
			defer cancel()
		}
		return p.breaker.Execute(ctx, fn)
	}

	if p.retrier == nil {
		return attempt(ctx)
	}
	return p.retrier.Do(ctx, attempt)
}

// Registry は名前付きブレーカーの一覧を保持する。運用APIでの状態参照に使う。
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register はブレーカーを登録する。同名のブレーカーは置き換える。
func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.Name()] = cb
}

// Get は名前でブレーカーを取得する。
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Snapshots は全ブレーカーの状態を名前順で返す。
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
