package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Processor は1記事を処理する。Orchestratorが実装する。
type Processor interface {
	Process(ctx context.Context, article model.Article) (Result, error)
}

// Pool は記事チャネルから読み出した記事を最大workers件まで並列に処理する。
type Pool struct {
	proc           Processor
	workers        int
	articleTimeout time.Duration
	logger         *slog.Logger
}

// NewPool はPoolを生成する。
// workersが0以下の場合は4、articleTimeoutが0以下の場合は2分を使用する。
func NewPool(proc Processor, workers int, articleTimeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if articleTimeout <= 0 {
		articleTimeout = 2 * time.Minute
	}
	return &Pool{
		proc:           proc,
		workers:        workers,
		articleTimeout: articleTimeout,
		logger:         logger,
	}
}

// Run はコンテキストがキャンセルされるか記事チャネルが閉じられるまで記事を受け付ける。
// 停止要求後は新しい記事を受け付けず、処理中の記事は切り離したコンテキストで完了を待つ。
func (p *Pool) Run(ctx context.Context, articles <-chan model.Article) error {
	var g errgroup.Group
	g.SetLimit(p.workers)

	p.logger.Info("ワーカープールを開始しました", slog.Int("workers", p.workers))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ワーカープールを停止します。処理中の記事の完了を待ちます")
			return g.Wait()

		case article, ok := <-articles:
			if !ok {
				return g.Wait()
			}
			if ctx.Err() != nil {
				p.logger.Info("停止要求を受けたため記事を受け付けませんでした",
					slog.String("article_id", article.ID),
				)
				return g.Wait()
			}

			g.Go(func() error {
				actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.articleTimeout)
				defer cancel()
				// 個々の記事の失敗はOrchestratorがログとメトリクスに記録済み
				_, _ = p.proc.Process(actx, article)
				return nil
			})
		}
	}
}
