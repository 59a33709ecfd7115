package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/model"
)

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	Name             string        // 保護対象の依存名（translator, telegram 等）
	FailureThreshold int           // Openへ遷移する連続失敗回数（デフォルト: 5）
	RecoveryTimeout  time.Duration // OpenからHalfOpenへ遷移するまでの時間（デフォルト: 60秒）
}

// DefaultBreakerConfig はデフォルトのブレーカー設定を返す。
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// StateChangeFunc は状態遷移時に呼ばれるフック。ロック外で呼ばれる。
type StateChangeFunc func(name string, from, to model.CircuitState)

// BreakerSnapshot はある時点のブレーカー状態のコピー。
type BreakerSnapshot struct {
	Name                string             `json:"name"`
	State               model.CircuitState `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	OpenedAt            *time.Time         `json:"opened_at,omitempty"`
}

// CircuitBreaker は依存先ごとのClosed/Open/HalfOpen状態機械。
// 全ワーカーで共有され、状態の読み書きは単一のmutexで直列化される。
type CircuitBreaker struct {
	cfg    BreakerConfig
	clock  clock.Clock
	logger *slog.Logger

	mu                  sync.Mutex
	state               model.CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	hooks               []StateChangeFunc
}

// NewCircuitBreaker はClosed状態のCircuitBreakerを生成する。
// 閾値・タイムアウトが0以下の場合はデフォルト値を使用する。
func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &CircuitBreaker{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		state:  model.CircuitClosed,
	}
}

// Name は保護対象の依存名を返す。
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// OnStateChange は状態遷移フックを登録する。
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.hooks = append(cb.hooks, fn)
}

// State は現在の状態を返す。
// Open状態で回復タイムアウトを過ぎていても、次の呼び出しまではOpenのまま報告する。
func (cb *CircuitBreaker) State() model.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot は現在の状態のコピーを返す。
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{
		Name:                cb.cfg.Name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if !cb.openedAt.IsZero() && cb.state != model.CircuitClosed {
		t := cb.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Execute はブレーカーの許可を得てfnを実行し、結果を状態に反映する。
// Open中（およびHalfOpenの試行中）はfnを呼ばずにCircuitOpenErrorを返す。
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(err, trial)
	return err
}

// acquire は呼び出しの可否を判定する。HalfOpenの試行枠を得た場合はtrial=trueを返す。
func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	cb.mu.Lock()
	var from model.CircuitState
	changed := false

	switch cb.state {
	case model.CircuitOpen:
		retryAt := cb.openedAt.Add(cb.cfg.RecoveryTimeout)
		if cb.clock.Now().Before(retryAt) {
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.cfg.Name, RetryAt: retryAt}
		}
		from, changed = cb.state, true
		cb.state = model.CircuitHalfOpen
		cb.trialInFlight = true
		trial = true

	case model.CircuitHalfOpen:
		if cb.trialInFlight {
			retryAt := cb.clock.Now().Add(cb.cfg.RecoveryTimeout)
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.cfg.Name, RetryAt: retryAt}
		}
		cb.trialInFlight = true
		trial = true
	}

	hooks := cb.hooks
	cb.mu.Unlock()

	if changed {
		if cb.logger != nil {
			cb.logger.Info("サーキットブレーカーが試行状態に移行しました",
				slog.String("circuit", cb.cfg.Name),
				slog.String("from", string(from)),
				slog.String("to", string(model.CircuitHalfOpen)),
			)
		}
		cb.notify(hooks, from, model.CircuitHalfOpen)
	}
	return trial, nil
}

// record は呼び出し結果を状態に反映する。
func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	from := cb.state
	to := from

	switch {
	case err == nil:
		cb.consecutiveFailures = 0
		if cb.state == model.CircuitHalfOpen && trial {
			to = model.CircuitClosed
			cb.openedAt = time.Time{}
		}
	case !countsAsFailure(err):
		// 恒久エラーとキャンセルは失敗数に数えない
	default:
		cb.consecutiveFailures++
		switch {
		case cb.state == model.CircuitHalfOpen && trial:
			to = model.CircuitOpen
			cb.openedAt = cb.clock.Now()
		case cb.state == model.CircuitClosed && cb.consecutiveFailures >= cb.cfg.FailureThreshold:
			to = model.CircuitOpen
			cb.openedAt = cb.clock.Now()
		}
	}

	if trial {
		cb.trialInFlight = false
	}
	cb.state = to
	failures := cb.consecutiveFailures
	hooks := cb.hooks
	cb.mu.Unlock()

	if to != from {
		if cb.logger != nil {
			cb.logger.Warn("サーキットブレーカーの状態が遷移しました",
				slog.String("circuit", cb.cfg.Name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.Int("consecutive_failures", failures),
			)
		}
		cb.notify(hooks, from, to)
	}
}

func (cb *CircuitBreaker) notify(hooks []StateChangeFunc, from, to model.CircuitState) {
	for _, h := range hooks {
		h(cb.cfg.Name, from, to)
	}
}
