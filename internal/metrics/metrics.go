// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Recorder はメトリクス記録のインターフェース。
// パイプラインの各コンポーネントとワーカーから利用する。
type Recorder interface {
	RecordArticleProcessed(outcome string)
	RecordDedup(outcome model.DedupOutcome)
	RecordScore(score int)

	RecordTranslation(duration time.Duration, err error)
	RecordTranslationCache(hit bool)

	RecordCircuitTransition(name string, from, to model.CircuitState)

	SetQueueDepth(depth int)
	RecordDelivery(result string)
	RecordDeadLetter()

	RecordFetchSuccess(sourceID string)
	RecordFetchFailure(sourceID string, reason string)
	RecordParseFailure(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordArticlesIngested(count int)
}

// 配信結果のラベル値。
const (
	DeliveryPublished  = "published"
	DeliveryRetry      = "retry"
	DeliveryDeferred   = "deferred"
	DeliveryDeadLetter = "dead_letter"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	articlesProcessed *prometheus.CounterVec
	dedup             *prometheus.CounterVec
	score             prometheus.Histogram

	translationLatency prometheus.Histogram
	translationErrors  prometheus.Counter
	translationCache   *prometheus.CounterVec

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	queueDepth  prometheus.Gauge
	delivery    *prometheus.CounterVec
	deadLetters prometheus.Counter

	fetchSuccess     prometheus.Counter
	fetchFail        *prometheus.CounterVec
	parseFail        prometheus.Counter
	httpStatus       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	articlesIngested prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		articlesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_articles_processed_total",
			Help: "パイプラインで処理した記事数（結果別）",
		}, []string{"outcome"}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_dedup_total",
			Help: "重複排除チェックの結果別件数",
		}, []string{"result"}),
		score: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsrelay_score",
			Help:    "記事スコアの分布",
			Buckets: []float64{0, 2, 4, 6, 8, 10, 15, 20},
		}),
		translationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsrelay_translation_duration_seconds",
			Help:    "翻訳処理の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		translationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_translation_errors_total",
			Help: "翻訳失敗の合計数",
		}),
		translationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_translation_cache_total",
			Help: "翻訳キャッシュのヒット・ミス数",
		}, []string{"result"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsrelay_circuit_state",
			Help: "サーキットブレーカーの状態（0=closed, 1=half_open, 2=open）",
		}, []string{"name"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_circuit_transitions_total",
			Help: "サーキットブレーカーの状態遷移数",
		}, []string{"name", "to"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsrelay_queue_depth",
			Help: "公開キューの保留エントリ数",
		}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_delivery_total",
			Help: "配信試行の結果別件数",
		}, []string{"result"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_dead_letters_total",
			Help: "デッドレターに移動したエントリの合計数",
		}),
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_ingest_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_ingest_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数（理由別）",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_ingest_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_ingest_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsrelay_ingest_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		articlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_ingest_articles_total",
			Help: "取り込んだ記事の合計数",
		}),
	}

	reg.MustRegister(
		c.articlesProcessed,
		c.dedup,
		c.score,
		c.translationLatency,
		c.translationErrors,
		c.translationCache,
		c.circuitState,
		c.circuitTransitions,
		c.queueDepth,
		c.delivery,
		c.deadLetters,
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.articlesIngested,
	)

	return c
}

// RecordArticleProcessed は記事の処理結果を記録する。
func (c *Collector) RecordArticleProcessed(outcome string) {
	c.articlesProcessed.WithLabelValues(outcome).Inc()
}

// RecordDedup は重複排除チェックの結果を記録する。
func (c *Collector) RecordDedup(outcome model.DedupOutcome) {
	c.dedup.WithLabelValues(string(outcome)).Inc()
}

// RecordScore はスコアを記録する。
func (c *Collector) RecordScore(score int) {
	c.score.Observe(float64(score))
}

// RecordTranslation は翻訳の所要時間を記録し、失敗時はエラー数を加算する。
func (c *Collector) RecordTranslation(duration time.Duration, err error) {
	c.translationLatency.Observe(duration.Seconds())
	if err != nil {
		c.translationErrors.Inc()
	}
}

// RecordTranslationCache は翻訳キャッシュのヒット・ミスを記録する。
func (c *Collector) RecordTranslationCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.translationCache.WithLabelValues(result).Inc()
}

// RecordCircuitTransition はサーキットブレーカーの状態遷移を記録する。
// resilience.StateChangeFuncとして登録できる。
func (c *Collector) RecordCircuitTransition(name string, from, to model.CircuitState) {
	c.circuitState.WithLabelValues(name).Set(to.GaugeValue())
	c.circuitTransitions.WithLabelValues(name, string(to)).Inc()
}

// SetQueueDepth は公開キューの保留エントリ数を設定する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordDelivery は配信試行の結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.delivery.WithLabelValues(result).Inc()
}

// RecordDeadLetter はデッドレターへの移動を記録する。
func (c *Collector) RecordDeadLetter() {
	c.deadLetters.Inc()
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(sourceID string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceID string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordArticlesIngested は取り込んだ記事数を記録する。
func (c *Collector) RecordArticlesIngested(count int) {
	c.articlesIngested.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordArticleProcessed(string) {}
func (Nop) RecordDedup(model.DedupOutcome) {}
func (Nop) RecordScore(int) {}
func (Nop) RecordTranslation(time.Duration, error) {}
func (Nop) RecordTranslationCache(bool) {}
func (Nop) RecordCircuitTransition(string, model.CircuitState, model.CircuitState) {}
func (Nop) SetQueueDepth(int) {}
func (Nop) RecordDelivery(string) {}
func (Nop) RecordDeadLetter() {}
func (Nop) RecordFetchSuccess(string) {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordParseFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordArticlesIngested(int) {}
