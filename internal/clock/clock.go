// Package clock は時刻取得と待機を抽象化する。
// サーキットブレーカーや公開キューの時間依存ロジックをテストで決定的に検証するために使う。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻と待機タイマーを提供する。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real はtimeパッケージに委譲する実時刻のClock。
type Real struct{}

// Now は現在時刻を返す。
func (Real) Now() time.Time { return time.Now() }

// After はtime.Afterに委譲する。
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake はテスト用の手動制御Clock。
// Afterは呼び出し時点で時刻をdだけ進め、即座に発火するチャネルを返す。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻から始まるFakeを生成する。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now は現在の仮想時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance は仮想時刻をdだけ進める。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// After は仮想時刻をdだけ進め、進めた後の時刻を送信済みのチャネルを返す。
func (f *Fake) After(d time.Duration) <-chan time.Time {
	if d < 0 {
		d = 0
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	t := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- t
	return ch
}
