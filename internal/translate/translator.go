// Package translate はエンティティを保持したまま記事を翻訳する。
// 固有名詞をプレースホルダーに置き換えてから翻訳プロバイダを呼び出し、翻訳後に復元する。
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/newsrelay/internal/cache"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// Provider は外部の機械翻訳サービス。
type Provider interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Request は翻訳リクエスト。
type Request struct {
	Fingerprint    model.Fingerprint
	Title          string
	Body           string
	TargetLanguage string
}

// Config は翻訳器の設定。
type Config struct {
	SupportedLanguages []string
	CacheTTL           time.Duration
}

// CacheKey は翻訳結果のキャッシュキーを返す。
func CacheKey(fp model.Fingerprint, lang string) string {
	return fmt.Sprintf("translation:%s:%s", fp, lang)
}

// Translator はキャッシュ付きのエンティティ保持翻訳器。
// 同一キーへの同時ミスはsingleflightで1回のプロバイダ呼び出しにまとめる。
type Translator struct {
	provider  Provider
	cache     cache.Cache
	detector  EntityDetector
	policy    *resilience.Policy
	supported map[string]bool
	ttl       time.Duration
	recorder  metrics.Recorder
	logger    *slog.Logger

	group singleflight.Group
}

// NewTranslator はTranslatorを生成する。recorderがnilの場合はメトリクスを記録しない。
func NewTranslator(
	provider Provider,
	c cache.Cache,
	detector EntityDetector,
	policy *resilience.Policy,
	cfg Config,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Translator {
	supported := make(map[string]bool, len(cfg.SupportedLanguages))
	for _, l := range cfg.SupportedLanguages {
		supported[strings.ToLower(strings.TrimSpace(l))] = true
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Translator{
		provider:  provider,
		cache:     c,
		detector:  detector,
		policy:    policy,
		supported: supported,
		ttl:       cfg.CacheTTL,
		recorder:  recorder,
		logger:    logger,
	}
}

// Translate は記事のタイトルと本文を翻訳する。
// キャッシュにヒットした場合はプロバイダを呼ばずにCacheHit=trueで返す。
func (t *Translator) Translate(ctx context.Context, req Request) (model.TranslatedContent, error) {
	lang := strings.ToLower(strings.TrimSpace(req.TargetLanguage))
	if !t.supported[lang] {
		return model.TranslatedContent{}, model.NewUnsupportedLanguageError(req.TargetLanguage)
	}

	key := CacheKey(req.Fingerprint, lang)
	cached, found, err := t.lookup(ctx, key)
	if err != nil {
		return model.TranslatedContent{}, model.NewStoreUnavailableError("cache", err)
	}
	t.recorder.RecordTranslationCache(found)
	if found {
		cached.CacheHit = true
		return cached, nil
	}

	v, err, shared := t.group.Do(key, func() (any, error) {
		return t.translateAndStore(ctx, key, req, lang)
	})
	if err != nil {
		return model.TranslatedContent{}, err
	}
	if shared {
		t.logger.Debug("同時リクエストの翻訳結果を共有しました",
			slog.String("fingerprint", req.Fingerprint.Short()),
		)
	}
	return v.(model.TranslatedContent), nil
}

// lookup はキャッシュから翻訳結果を取得する。壊れたエントリはミスとして扱う。
func (t *Translator) lookup(ctx context.Context, key string) (model.TranslatedContent, bool, error) {
	data, found, err := t.cache.Get(ctx, key)
	if err != nil || !found {
		return model.TranslatedContent{}, false, err
	}

	var tc model.TranslatedContent
	if err := json.Unmarshal(data, &tc); err != nil {
		t.logger.Warn("キャッシュされた翻訳結果を読み取れません",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return model.TranslatedContent{}, false, nil
	}
	return tc, true, nil
}

func (t *Translator) translateAndStore(ctx context.Context, key string, req Request, lang string) (model.TranslatedContent, error) {
	start := time.Now()
	tc, err := t.translate(ctx, req, lang)
	t.recorder.RecordTranslation(time.Since(start), err)
	if err != nil {
		t.logger.Warn("翻訳に失敗しました",
			slog.String("fingerprint", req.Fingerprint.Short()),
			slog.String("target_language", lang),
			slog.String("error", err.Error()),
		)
		return model.TranslatedContent{}, err
	}

	data, err := json.Marshal(tc)
	if err == nil {
		err = t.cache.Set(ctx, key, data, t.ttl)
	}
	if err != nil {
		t.logger.Warn("翻訳結果のキャッシュ保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	t.logger.Info("翻訳が完了しました",
		slog.String("fingerprint", req.Fingerprint.Short()),
		slog.String("target_language", lang),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return tc, nil
}

func (t *Translator) translate(ctx context.Context, req Request, lang string) (model.TranslatedContent, error) {
	prefix := placeholderPrefix(req.Title, req.Body)
	maskedTitle, titlePH := mask(req.Title, t.detector.Detect(req.Title), prefix)
	maskedBody, bodyPH := mask(req.Body, t.detector.Detect(req.Body), prefix)

	title, err := t.call(ctx, maskedTitle, lang)
	if err != nil {
		return model.TranslatedContent{}, err
	}
	var body string
	if strings.TrimSpace(maskedBody) != "" {
		if body, err = t.call(ctx, maskedBody, lang); err != nil {
			return model.TranslatedContent{}, err
		}
	}

	if title, err = restore(title, titlePH); err != nil {
		return model.TranslatedContent{}, err
	}
	if body, err = restore(body, bodyPH); err != nil {
		return model.TranslatedContent{}, err
	}

	return model.TranslatedContent{
		TitleTranslated:  title,
		BodyTranslated:   body,
		TargetLanguage:   lang,
		EntitiesRestored: true,
	}, nil
}

// call はポリシー経由でプロバイダを呼び出す。
func (t *Translator) call(ctx context.Context, text, lang string) (string, error) {
	var out string
	err := t.policy.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = t.provider.Translate(ctx, text, lang)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedLanguage) {
			return "", err
		}
		return "", model.NewTranslationError(err)
	}
	return out, nil
}
