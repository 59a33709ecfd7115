// Package ingest は設定ファイルに列挙したフィードを定期的に取得し、
// 記事をパイプラインに投入するバックグラウンド処理を提供する。
// スケジューラ、フェッチャー、リトライ/バックオフ戦略を含む。
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
)

// SourceFetcher はフィードフェッチの実行インターフェース。
type SourceFetcher interface {
	Fetch(ctx context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error)
}

// SeenChecker は記事が処理済みかを読み取りのみで確認する。dedup.Engineが満たす。
type SeenChecker interface {
	Seen(ctx context.Context, article model.Article) (bool, error)
}

// Scheduler はフィードフェッチのスケジューリングと並列制御を行う。
// ティッカーの周期ごとにフェッチ対象のソースを選び、
// semaphoreパターンで最大並列数を制御しながらフェッチを実行する。
type Scheduler struct {
	sources        []config.FeedSource
	fetcher        SourceFetcher
	seen           SeenChecker
	clock          clock.Clock
	recorder       metrics.Recorder
	logger         *slog.Logger
	maxConcurrency int

	mu     sync.Mutex
	states map[string]*SourceState
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。seenはnilでもよい。
func NewScheduler(
	sources []config.FeedSource,
	fetcher SourceFetcher,
	seen SeenChecker,
	clk clock.Clock,
	recorder metrics.Recorder,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	states := make(map[string]*SourceState, len(sources))
	for _, src := range sources {
		states[src.ID] = &SourceState{}
	}
	return &Scheduler{
		sources:        sources,
		fetcher:        fetcher,
		seen:           seen,
		clock:          clk,
		recorder:       recorder,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		states:         states,
	}
}

// Start は起動直後に1回実行し、以降interval間隔でフェッチサイクルを実行する。
// 取得した記事はoutに送信する。ctxがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, out chan<- model.Article) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("フェッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("sources", len(s.sources)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.RunOnce(ctx, out)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("フェッチスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx, out)
		}
	}
}

// RunOnce はフェッチ対象のソースを並列でフェッチし、記事をoutに送信する。
// 送信した記事数を返す。
func (s *Scheduler) RunOnce(ctx context.Context, out chan<- model.Article) int {
	start := s.clock.Now()
	due := s.dueSources(start)
	if len(due) == 0 {
		s.logger.Debug("フェッチ対象のソースはありません")
		return 0
	}

	s.logger.Info("フェッチサイクルを開始します", slog.Int("source_count", len(due)))

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	emitted := 0

	for _, src := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return emitted
		}
		wg.Add(1)

		go func(src config.FeedSource) {
			defer wg.Done()
			defer func() { <-sem }()

			n := s.fetchSource(ctx, src, out)
			mu.Lock()
			emitted += n
			mu.Unlock()
		}(src)
	}

	wg.Wait()

	s.recorder.RecordArticlesIngested(emitted)
	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("source_count", len(due)),
		slog.Int("articles", emitted),
		slog.Float64("duration_ms", float64(s.clock.Now().Sub(start).Milliseconds())),
	)
	return emitted
}

// States は各ソースのフェッチ状態のコピーを返す。
func (s *Scheduler) States() map[string]SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SourceState, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}

func (s *Scheduler) dueSources(now time.Time) []config.FeedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []config.FeedSource
	for _, src := range s.sources {
		if s.states[src.ID].Due(now) {
			due = append(due, src)
		}
	}
	return due
}

// fetchSource は1ソースをフェッチし、未処理の記事をoutに送信する。送信数を返す。
func (s *Scheduler) fetchSource(ctx context.Context, src config.FeedSource, out chan<- model.Article) int {
	s.mu.Lock()
	state := *s.states[src.ID]
	s.mu.Unlock()

	articles, err := s.fetcher.Fetch(ctx, src, &state)

	s.mu.Lock()
	*s.states[src.ID] = state
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("フィードフェッチに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.URL),
			slog.String("error", err.Error()),
		)
		return 0
	}

	sent := 0
	for _, a := range articles {
		if s.seen != nil {
			ok, err := s.seen.Seen(ctx, a)
			if err != nil {
				// 判定できない場合はパイプライン側の重複排除に任せる
				s.logger.Warn("処理済み判定に失敗しました",
					slog.String("article_id", a.ID),
					slog.String("error", err.Error()),
				)
			} else if ok {
				continue
			}
		}

		select {
		case out <- a:
			sent++
		case <-ctx.Done():
			return sent
		}
	}
	return sent
}
