package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
)

const userAgent = "NewsRelay/1.0 (+feed ingest)"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FetcherConfig はフェッチャーの設定。
type FetcherConfig struct {
	Timeout     time.Duration // 1回のHTTPリクエストの制限時間
	MaxBodySize int64         // レスポンスボディの最大バイト数
	Interval    time.Duration // 成功時の次回フェッチまでの間隔
	MaxAge      time.Duration // 公開日時がこれより古い記事は捨てる。0で無制限
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedを使用した条件付きGET、SSRF検証、
// gofeedによるパースを実行し、記事をmodel.Articleに変換して返す。
type Fetcher struct {
	ssrfGuard SSRFValidator
	client    *http.Client
	cfg       FetcherConfig
	clock     clock.Clock
	recorder  metrics.Recorder
	logger    *slog.Logger
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// HTTPクライアントは生成時に1回だけ作成し、全ソースで共有する。
func NewFetcher(ssrfGuard SSRFValidator, cfg FetcherConfig, clk clock.Clock, recorder metrics.Recorder, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 << 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Fetcher{
		ssrfGuard: ssrfGuard,
		client:    ssrfGuard.NewSafeClient(cfg.Timeout, cfg.MaxBodySize),
		cfg:       cfg,
		clock:     clk,
		recorder:  recorder,
		logger:    logger,
	}
}

// Fetch はフィードをフェッチして新しい記事を返し、結果に応じてstateを更新する。
// 304、停止、バックオフの場合は記事なしでnilエラーを返す。
// SSRF検証とネットワークエラーの場合はエラーを返す。
func (f *Fetcher) Fetch(ctx context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error) {
	start := f.clock.Now()

	if err := f.ssrfGuard.ValidateURL(src.URL); err != nil {
		f.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.URL),
			slog.String("error", err.Error()),
		)
		ApplyStop(state, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		f.recorder.RecordFetchFailure(src.ID, "ssrf")
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}
	if state.LastModified != "" {
		req.Header.Set("If-Modified-Since", state.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.URL),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(state, f.clock.Now(), fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		f.recorder.RecordFetchFailure(src.ID, "network")
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	duration := f.clock.Now().Sub(start)
	f.recorder.RecordHTTPStatus(resp.StatusCode)
	f.recorder.RecordFetchLatency(duration)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		f.logger.Info("フィードは未変更です（304）",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		ApplySuccess(state, f.clock.Now(), f.cfg.Interval)
		f.recorder.RecordFetchSuccess(src.ID)
		return nil, nil

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d によりフェッチを停止しました", resp.StatusCode)
		f.logger.Warn("フィードフェッチを停止します",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.URL),
			slog.Int("http_status", resp.StatusCode),
			slog.String("reason", reason),
		)
		ApplyStop(state, reason)
		f.recorder.RecordFetchFailure(src.ID, "stopped")
		return nil, nil

	case FetchResultBackoff:
		f.logger.Warn("フィードフェッチにバックオフを適用します",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", state.ConsecutiveErrors+1),
		)
		ApplyBackoff(state, f.clock.Now(), fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode))
		f.recorder.RecordFetchFailure(src.ID, "backoff")
		return nil, nil

	case FetchResultOK:
	default:
		f.logger.Warn("予期しないHTTPステータスコード",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
		)
		ApplyBackoff(state, f.clock.Now(), fmt.Sprintf("予期しないHTTPステータス: %d", resp.StatusCode))
		f.recorder.RecordFetchFailure(src.ID, "unexpected_status")
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		f.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(state, f.clock.Now(), fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		f.recorder.RecordFetchFailure(src.ID, "read")
		return nil, nil
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.URL),
			slog.String("error", err.Error()),
		)
		ApplyParseFailure(state, f.clock.Now(), f.cfg.Interval, err.Error())
		f.recorder.RecordParseFailure(src.ID)
		return nil, nil
	}

	// パースに成功した場合のみ検証子を更新する
	if etag := resp.Header.Get("ETag"); etag != "" {
		state.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		state.LastModified = lastMod
	}

	now := f.clock.Now()
	articles := f.convertItems(src, parsed, now)
	ApplySuccess(state, now, f.cfg.Interval)
	f.recorder.RecordFetchSuccess(src.ID)

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("source_id", src.ID),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("articles", len(articles)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return articles, nil
}

// convertItems はgofeedの記事をmodel.Articleに変換する。
// タイトルのない記事とMaxAgeより古い記事は除外する。
func (f *Fetcher) convertItems(src config.FeedSource, feed *gofeed.Feed, now time.Time) []model.Article {
	lang := languageHint(feed.Language, src.Language)
	articles := make([]model.Article, 0, len(feed.Items))

	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		title := HTMLToText(item.Title)
		if title == "" {
			continue
		}

		link := item.Link
		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			link = item.GUID
		}

		published := now
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		if f.cfg.MaxAge > 0 && now.Sub(published) > f.cfg.MaxAge {
			continue
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}

		articles = append(articles, model.Article{
			ID:           articleID(src.ID, item.GUID, link, title),
			SourceID:     src.ID,
			SourceWeight: src.Weight,
			Title:        title,
			Body:         HTMLToText(content),
			URL:          link,
			PublishedAt:  published,
			LanguageHint: lang,
		})
	}
	return articles
}

// articleID はソースと記事の識別子から決定的なIDを導出する。
// 同じ記事を再取得しても同じIDになる。
func articleID(sourceID, guid, link, title string) string {
	key := guid
	if key == "" {
		key = link
	}
	if key == "" {
		key = title
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID+"\n"+key)).String()
}

// languageHint はフィードのlanguage要素（"en-us"など）から主言語サブタグを取り出す。
// 取り出せない場合はfallbackを返す。
func languageHint(feedLang, fallback string) string {
	tag := strings.ToLower(strings.TrimSpace(feedLang))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	if len(tag) == 2 {
		return tag
	}
	return strings.ToLower(fallback)
}
