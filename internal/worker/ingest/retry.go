package ingest

import (
	"fmt"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop はフェッチ停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 5 * time.Minute
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Hour
	// parseFailureThreshold はパース失敗によるフェッチ停止の閾値。
	parseFailureThreshold = 10
)

// SourceState はフィードソースごとのフェッチ状態。プロセス内でのみ保持する。
type SourceState struct {
	ETag              string
	LastModified      string
	ConsecutiveErrors int
	NextFetchAt       time.Time
	Stopped           bool
	LastError         string
	LastFetchedAt     time.Time
}

// Due はnowの時点でフェッチ対象かを返す。
func (s *SourceState) Due(now time.Time) bool {
	return !s.Stopped && !now.Before(s.NextFetchAt)
}

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回5分、2倍ずつ増加、最大2時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStop はソースのフェッチを停止する。停止したソースはプロセス再起動まで再開しない。
func ApplyStop(state *SourceState, reason string) {
	state.Stopped = true
	state.LastError = reason
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフで次回フェッチ時刻を設定する。
func ApplyBackoff(state *SourceState, now time.Time, reason string) {
	state.ConsecutiveErrors++
	state.LastError = reason
	state.NextFetchAt = now.Add(CalculateBackoff(state.ConsecutiveErrors - 1))
}

// ApplySuccess はフェッチ成功時に状態をリセットし、interval後を次回フェッチ時刻にする。
func ApplySuccess(state *SourceState, now time.Time, interval time.Duration) {
	state.ConsecutiveErrors = 0
	state.LastError = ""
	state.LastFetchedAt = now
	state.NextFetchAt = now.Add(interval)
}

// ApplyParseFailure はパース失敗時に連続エラー回数をインクリメントする。
// 閾値に達した場合はフェッチを停止する。
func ApplyParseFailure(state *SourceState, now time.Time, interval time.Duration, reason string) {
	state.ConsecutiveErrors++
	state.LastError = fmt.Sprintf("パース失敗 (%d回連続): %s", state.ConsecutiveErrors, reason)
	state.NextFetchAt = now.Add(interval)

	if state.ConsecutiveErrors >= parseFailureThreshold {
		state.Stopped = true
		state.LastError = fmt.Sprintf("パース失敗が%d回連続したためフェッチを停止しました: %s", state.ConsecutiveErrors, reason)
	}
}
