package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig はリトライポリシーの設定。
type RetryConfig struct {
	MaxAttempts  int           // 最大試行回数（初回を含む、デフォルト: 3）
	BaseDelay    time.Duration // 初回リトライ前の待機（デフォルト: 1秒）
	MaxDelay     time.Duration // 待機の上限（デフォルト: 10秒）
	JitterFactor float64       // ±の揺らぎ幅（0.2で±20%）
}

// DefaultRetryConfig はデフォルトのリトライ設定を返す。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.2,
	}
}

// Backoff はattempt回目の失敗後の待機時間を計算する。
// BaseDelayから2倍ずつ増加し、MaxDelayで頭打ちにした後、±jitterの揺らぎを加える。
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	return backoff(attempt, base, max, jitter, rand.Float64)
}

func backoff(attempt int, base, max time.Duration, jitter float64, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			delay = max
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	if jitter > 0 {
		factor := 1 + (2*random()-1)*jitter
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// Retrier は一時エラーのみを指数バックオフ付きでリトライする。
type Retrier struct {
	name   string
	cfg    RetryConfig
	logger *slog.Logger
	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier はRetrierを生成する。MaxAttemptsが0以下の場合はデフォルト値を使用する。
func NewRetrier(name string, cfg RetryConfig, logger *slog.Logger) *Retrier {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Retrier{
		name:   name,
		cfg:    cfg,
		logger: logger,
		random: rand.Float64,
		sleep:  sleepContext,
	}
}

// Config は適用中の設定を返す。
func (r *Retrier) Config() RetryConfig {
	return r.cfg
}

// Do はopを最大MaxAttempts回実行する。
// 恒久エラーとCircuitOpenErrorは即座に返し、一時エラーが上限まで続いた場合は
// RetriesExhaustedErrorを返す。待機中にctxがキャンセルされた場合はctxのエラーを返す。
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay, r.cfg.JitterFactor, r.random)
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}

		if r.logger != nil {
			r.logger.Warn("一時エラーのためリトライします",
				slog.String("dependency", r.name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", r.cfg.MaxAttempts),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetriesExhaustedError{Attempts: r.cfg.MaxAttempts, Last: last}
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合は即座に戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
