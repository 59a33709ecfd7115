// Package pipeline は記事を重複排除・スコアリング・翻訳・整形・エンキューの順に処理する。
//
// Orchestratorは各段の呼び出し順序だけを持ち、共有の可変状態を持たない。
// ワーカー間の同期は重複排除ストアと公開キューに閉じている。
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/translate"
)

// Deduper は重複排除エンジン。
type Deduper interface {
	CheckAndRecord(ctx context.Context, article model.Article) (model.DedupOutcome, model.Fingerprint, error)
}

// Scorer はスコアリングエンジン。
type Scorer interface {
	Score(article model.Article) model.ScoreResult
}

// Translator はエンティティを保持する翻訳器。
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (model.TranslatedContent, error)
}

// Formatter は配信ペイロードを組み立てる。
type Formatter interface {
	Format(article model.Article, content model.TranslatedContent) model.Payload
}

// Enqueuer は公開キュー。
type Enqueuer interface {
	Enqueue(ctx context.Context, payload model.Payload, priority int) (string, error)
}

// Outcome は1記事の処理結果。
type Outcome string

const (
	OutcomeEnqueued          Outcome = "enqueued"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeBelowThreshold    Outcome = "below_threshold"
	OutcomeTranslationFailed Outcome = "translation_failed"
	OutcomeStoreUnavailable  Outcome = "store_unavailable"
	OutcomeQueueFull         Outcome = "queue_full"
	OutcomeRejected          Outcome = "rejected"
)

// Result はProcessの結果。途中で打ち切った場合は到達した段までの値が入る。
type Result struct {
	Outcome     Outcome
	Fingerprint model.Fingerprint
	Score       model.ScoreResult
	Content     model.TranslatedContent
	Passthrough bool // 原文のまま配信する場合true
	EntryID     string
}

// Config はOrchestratorの設定。
type Config struct {
	TargetLanguage string
	// Passthrough がtrueの場合、翻訳に失敗した記事を原文のまま配信する。
	Passthrough bool
}

// Orchestrator は1記事をパイプラインの各段に順に通す。
type Orchestrator struct {
	cfg        Config
	dedup      Deduper
	scorer     Scorer
	translator Translator
	formatter  Formatter
	queue      Enqueuer
	recorder   metrics.Recorder
	logger     *slog.Logger
}

// NewOrchestrator はOrchestratorを生成する。recorderがnilの場合は記録しない。
func NewOrchestrator(
	cfg Config,
	dedup Deduper,
	scorer Scorer,
	translator Translator,
	formatter Formatter,
	queue Enqueuer,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Orchestrator {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Orchestrator{
		cfg:        cfg,
		dedup:      dedup,
		scorer:     scorer,
		translator: translator,
		formatter:  formatter,
		queue:      queue,
		recorder:   recorder,
		logger:     logger,
	}
}

// Process は記事を処理し、最初に終端となった段の結果を返す。
// 重複と閾値未満は結果であってエラーではない。
// それ以外の打ち切り（不正な記事、ストア障害、翻訳失敗、キュー満杯）はエラーも返す。
func (o *Orchestrator) Process(ctx context.Context, article model.Article) (res Result, err error) {
	defer func() {
		o.recorder.RecordArticleProcessed(string(res.Outcome))
	}()

	if err := article.Validate(); err != nil {
		o.logger.Warn("記事を拒否しました",
			slog.String("article_id", article.ID),
			slog.String("source_id", article.SourceID),
			slog.String("error", err.Error()),
		)
		return Result{Outcome: OutcomeRejected}, err
	}

	outcome, fp, err := o.dedup.CheckAndRecord(ctx, article)
	res.Fingerprint = fp
	if err != nil {
		res.Outcome = OutcomeStoreUnavailable
		o.logger.Error("重複排除ストアにアクセスできません",
			slog.String("article_id", article.ID),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	o.recorder.RecordDedup(outcome)
	if outcome == model.DedupDuplicate {
		res.Outcome = OutcomeDuplicate
		o.logger.Debug("重複した記事をスキップしました",
			slog.String("article_id", article.ID),
			slog.String("fingerprint", fp.Short()),
		)
		return res, nil
	}

	res.Score = o.scorer.Score(article)
	o.recorder.RecordScore(res.Score.TotalScore)
	if !res.Score.MeetsThreshold {
		res.Outcome = OutcomeBelowThreshold
		o.logger.Debug("スコアが閾値未満のためスキップしました",
			slog.String("article_id", article.ID),
			slog.String("fingerprint", fp.Short()),
			slog.Int("score", res.Score.TotalScore),
		)
		return res, nil
	}

	res.Content, res.Passthrough, err = o.localize(ctx, article, fp)
	if err != nil {
		res.Outcome = OutcomeTranslationFailed
		if errors.Is(err, model.ErrStoreUnavailable) {
			res.Outcome = OutcomeStoreUnavailable
		}
		o.logger.Error("翻訳に失敗したため記事を破棄しました",
			slog.String("article_id", article.ID),
			slog.String("fingerprint", fp.Short()),
			slog.String("outcome", string(res.Outcome)),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	payload := o.formatter.Format(article, res.Content)
	payload.Fingerprint = fp

	res.EntryID, err = o.queue.Enqueue(ctx, payload, res.Score.TotalScore)
	if err != nil {
		res.Outcome = OutcomeStoreUnavailable
		if errors.Is(err, model.ErrQueueFull) {
			res.Outcome = OutcomeQueueFull
		}
		o.logger.Error("公開キューへの追加に失敗しました",
			slog.String("article_id", article.ID),
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	res.Outcome = OutcomeEnqueued
	o.logger.Info("記事を公開キューに追加しました",
		slog.String("article_id", article.ID),
		slog.String("source_id", article.SourceID),
		slog.String("fingerprint", fp.Short()),
		slog.Int("score", res.Score.TotalScore),
		slog.Bool("cache_hit", res.Content.CacheHit),
		slog.Bool("passthrough", res.Passthrough),
	)
	return res, nil
}

// localize は翻訳済みコンテンツを返す。
// 記事が既に配信言語の場合と、翻訳に失敗しパススルーが有効な場合は原文を使う。
func (o *Orchestrator) localize(ctx context.Context, article model.Article, fp model.Fingerprint) (model.TranslatedContent, bool, error) {
	if article.LanguageHint != "" && strings.EqualFold(article.LanguageHint, o.cfg.TargetLanguage) {
		return o.sourceContent(article), true, nil
	}

	content, err := o.translator.Translate(ctx, translate.Request{
		Fingerprint:    fp,
		Title:          article.Title,
		Body:           article.Body,
		TargetLanguage: o.cfg.TargetLanguage,
	})
	if err == nil {
		return content, false, nil
	}

	if o.cfg.Passthrough && errors.Is(err, model.ErrTranslation) {
		o.logger.Warn("翻訳に失敗したため原文のまま配信します",
			slog.String("article_id", article.ID),
			slog.String("fingerprint", fp.Short()),
			slog.String("error", err.Error()),
		)
		return o.sourceContent(article), true, nil
	}
	return model.TranslatedContent{}, false, err
}

func (o *Orchestrator) sourceContent(article model.Article) model.TranslatedContent {
	return model.TranslatedContent{
		TitleTranslated: article.Title,
		BodyTranslated:  article.Body,
		TargetLanguage:  article.LanguageHint,
	}
}
