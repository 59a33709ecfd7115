// Package dedup はコンテンツフィンガープリントによる重複排除を提供する。
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/model"
)

// Store はフィンガープリントの永続化ストアのインターフェース。
// InsertIfAbsentは同一フィンガープリントに対する並行呼び出しのうち
// ちょうど1つだけがtrueを返すよう原子的に実装すること。
type Store interface {
	Exists(ctx context.Context, fp model.Fingerprint) (bool, error)
	InsertIfAbsent(ctx context.Context, fp model.Fingerprint, at time.Time) (bool, error)
}

// Engine は記事の重複判定と記録を行う。
type Engine struct {
	store     Store
	clock     clock.Clock
	prefixLen int
	logger    *slog.Logger
}

// NewEngine は重複排除エンジンを生成する。
func NewEngine(store Store, clk clock.Clock, prefixLen int, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}
	return &Engine{
		store:     store,
		clock:     clk,
		prefixLen: prefixLen,
		logger:    logger,
	}
}

// Fingerprint はエンジンの設定で記事のフィンガープリントを計算する。
func (e *Engine) Fingerprint(article model.Article) model.Fingerprint {
	return Fingerprint(article, e.prefixLen)
}

// CheckAndRecord はフィンガープリントを計算し、未記録であれば記録してAcceptedを返す。
// 既に記録済みであればDuplicateを返す。
// ストアにアクセスできない場合はErrStoreUnavailableを返し、記事を受理しない。
func (e *Engine) CheckAndRecord(ctx context.Context, article model.Article) (model.DedupOutcome, model.Fingerprint, error) {
	fp := e.Fingerprint(article)

	inserted, err := e.store.InsertIfAbsent(ctx, fp, e.clock.Now())
	if err != nil {
		e.logger.Error("重複排除ストアへの書き込みに失敗しました",
			slog.String("fingerprint", fp.Short()),
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return "", fp, model.NewStoreUnavailableError("dedup", err)
	}

	if !inserted {
		e.logger.Debug("重複記事を検出しました",
			slog.String("fingerprint", fp.Short()),
			slog.String("article_id", article.ID),
		)
		return model.DedupDuplicate, fp, nil
	}
	return model.DedupAccepted, fp, nil
}

// Seen は記事が既に記録済みかを読み取りのみで確認する。
// 取り込み側で明らかな重複を事前に除外するために使う。
func (e *Engine) Seen(ctx context.Context, article model.Article) (bool, error) {
	fp := e.Fingerprint(article)
	ok, err := e.store.Exists(ctx, fp)
	if err != nil {
		return false, model.NewStoreUnavailableError("dedup", err)
	}
	return ok, nil
}
