package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newsrelay/internal/cache"
	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/database"
	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/format"
	"github.com/hitoshi/newsrelay/internal/handler"
	"github.com/hitoshi/newsrelay/internal/logger"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/middleware"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/pipeline"
	"github.com/hitoshi/newsrelay/internal/queue"
	"github.com/hitoshi/newsrelay/internal/repository"
	"github.com/hitoshi/newsrelay/internal/resilience"
	"github.com/hitoshi/newsrelay/internal/scoring"
	"github.com/hitoshi/newsrelay/internal/security"
	"github.com/hitoshi/newsrelay/internal/telegram"
	"github.com/hitoshi/newsrelay/internal/translate"
	"github.com/hitoshi/newsrelay/internal/worker/cleanup"
	"github.com/hitoshi/newsrelay/internal/worker/ingest"
)

const (
	// dbConnectTimeout は起動時のPostgreSQL疎通確認の上限。
	dbConnectTimeout = 10 * time.Second
	// cleanupInterval は重複排除レコードの削除間隔。
	cleanupInterval = 24 * time.Hour
	// translationCacheSize はメモリキャッシュ利用時の最大件数。
	translationCacheSize = 10000
)

// dedupBackend は重複排除ストアと、期限切れレコードを削除するPurgerの組。
type dedupBackend struct {
	store  dedup.Store
	purger cleanup.Purger
}

// newDedupBackend はDEDUP_BACKENDに応じた重複排除ストアを返す。
func newDedupBackend(name string, db *sql.DB, rdb *redis.Client, retention time.Duration) (dedupBackend, error) {
	switch name {
	case "postgres":
		repo := repository.NewPostgresDedupRepo(db)
		return dedupBackend{store: repo, purger: repo}, nil
	case "redis":
		if rdb == nil {
			return dedupBackend{}, errors.New("DEDUP_BACKEND=redis requires a Redis connection")
		}
		repo := repository.NewRedisDedupRepo(rdb, retention)
		return dedupBackend{store: repo, purger: repo}, nil
	case "memory":
		s := dedup.NewMemoryStore()
		return dedupBackend{store: s, purger: s}, nil
	default:
		return dedupBackend{}, fmt.Errorf("unknown DEDUP_BACKEND %q (postgres, redis, memory)", name)
	}
}

// newTranslationCache はCACHE_BACKENDに応じた翻訳キャッシュを返す。
func newTranslationCache(name string, rdb *redis.Client, clk clock.Clock) (cache.Cache, error) {
	switch name {
	case "redis":
		if rdb == nil {
			return nil, errors.New("CACHE_BACKEND=redis requires a Redis connection")
		}
		return cache.NewRedisCache(rdb), nil
	case "memory":
		return cache.NewMemoryCache(translationCacheSize, clk)
	default:
		return nil, fmt.Errorf("unknown CACHE_BACKEND %q (redis, memory)", name)
	}
}

// needsRedis はいずれかのバックエンドがRedisを使うかを返す。
func needsRedis(cfg *config.Config) bool {
	return cfg.DedupBackend == "redis" || cfg.CacheBackend == "redis"
}

// breakerFactory はメトリクスと運用APIに接続済みのサーキットブレーカーを生成する。
type breakerFactory struct {
	tunables config.Tunables
	clock    clock.Clock
	recorder metrics.Recorder
	registry *resilience.Registry
	logger   *slog.Logger
}

func (f breakerFactory) New(name string) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: f.tunables.CBFailureThreshold,
		RecoveryTimeout:  f.tunables.CBRecoveryTimeout,
	}, f.clock, f.logger)
	cb.OnStateChange(f.recorder.RecordCircuitTransition)
	f.registry.Register(cb)
	return cb
}

// opsRateLimiterConfig はRATE_LIMIT_OPS（req/min/IP）を運用APIのリミッター設定に変換する。
func opsRateLimiterConfig(perMinute int) middleware.RateLimiterConfig {
	cfg := middleware.DefaultRateLimiterConfig()
	if perMinute > 0 {
		cfg.Rate = rate.Limit(float64(perMinute) / 60.0)
		cfg.Burst = max(1, perMinute/2)
	}
	return cfg
}

// runRelay は取り込み・パイプライン・配信ループ・クリーンアップ・運用APIを起動し、
// ctxがキャンセルされるまでブロックする。
func runRelay(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	t := cfg.Tunables
	clk := clock.Real{}

	// 1. 設定ファイル
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}
	feeds, err := config.LoadFeeds(cfg.FeedsFile, cfg.SourceLanguage)
	if err != nil {
		return err
	}

	// 2. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig(), dbConnectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	healthChecks := []handler.HealthCheck{{Name: "postgres", Ping: db.PingContext}}

	// 3. Redis接続（使うバックエンドがある場合のみ）
	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info("redis connection established")
		healthChecks = append(healthChecks, handler.HealthCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	// 4. メトリクスとブレーカー
	reg := prometheus.NewRegistry()
	recorder := metrics.NewCollector(reg)
	circuits := resilience.NewRegistry()
	breakers := breakerFactory{tunables: t, clock: clk, recorder: recorder, registry: circuits, logger: logger.Component(log, "resilience")}

	// 5. パイプラインの各段
	dedupStore, err := newDedupBackend(cfg.DedupBackend, db, rdb, time.Duration(cfg.DedupRetentionDays)*24*time.Hour)
	if err != nil {
		return err
	}
	dedupEngine := dedup.NewEngine(dedupStore.store, clk, t.DedupPrefixLen, logger.Component(log, "dedup"))

	scorer, err := scoring.NewEngine(scoring.NewConfig(t, rules), clk)
	if err != nil {
		return fmt.Errorf("failed to build scoring engine: %w", err)
	}

	translationCache, err := newTranslationCache(cfg.CacheBackend, rdb, clk)
	if err != nil {
		return err
	}
	detector, err := translate.NewDetector(cfg.EntityStrategy, rules.Entities)
	if err != nil {
		return err
	}
	translatorLog := logger.Component(log, "translate")
	translator := translate.NewTranslator(
		translate.NewYandexClient(cfg.YandexEndpoint, cfg.YandexAPIKey, cfg.YandexFolderID, cfg.SourceLanguage,
			&http.Client{Timeout: t.AttemptTimeout}),
		translationCache,
		detector,
		resilience.NewPolicy(
			breakers.New("translator"),
			resilience.NewRetrier("translator", resilience.RetryConfig{
				MaxAttempts:  t.RetryMaxAttempts,
				BaseDelay:    t.RetryBaseDelay,
				MaxDelay:     t.RetryMaxDelay,
				JitterFactor: t.RetryJitter,
			}, translatorLog),
			t.AttemptTimeout,
		),
		translate.Config{SupportedLanguages: cfg.SupportedLanguages, CacheTTL: t.CacheTTL},
		recorder,
		translatorLog,
	)

	formatter := format.New(format.NewHashtagger(rules.Hashtags), security.NewTelegramSanitizer(), format.MaxMessageLength)

	// 6. 公開キュー（リトライはキュー自身が行うため、ポリシーはブレーカーのみ）
	queueLog := logger.Component(log, "queue")
	deadLetters := repository.NewPostgresDeadLetterRepo(db)
	publicationQueue := queue.New(
		queue.Config{
			MinSpacing:     t.MinDeliverySpacing,
			MaxAttempts:    t.DLQMaxAttempts,
			MaxSize:        t.QueueMaxSize,
			BaseDelay:      t.RetryBaseDelay,
			MaxDelay:       t.RetryMaxDelay,
			Jitter:         t.RetryJitter,
			AttemptTimeout: t.AttemptTimeout,
		},
		repository.NewPostgresQueueRepo(db),
		deadLetters,
		telegram.NewClient(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramChatID, cfg.TelegramRatePerMinute,
			&http.Client{Timeout: t.AttemptTimeout}, logger.Component(log, "telegram")),
		resilience.NewPolicy(breakers.New("telegram"), nil, 0),
		clk,
		recorder,
		queueLog,
	)
	restored, err := publicationQueue.Restore(ctx)
	if err != nil {
		return err
	}
	queueLog.Info("公開キューを復元しました", slog.Int("entries", restored))

	orchestrator := pipeline.NewOrchestrator(
		pipeline.Config{TargetLanguage: cfg.TargetLanguage, Passthrough: cfg.TranslationPassthrough},
		dedupEngine, scorer, translator, formatter, publicationQueue,
		recorder, logger.Component(log, "pipeline"),
	)
	pool := pipeline.NewPool(orchestrator, cfg.WorkerCount, 0, logger.Component(log, "pipeline"))

	// 7. 取り込み
	ingestLog := logger.Component(log, "ingest")
	fetcher := ingest.NewFetcher(security.NewSSRFGuard(), ingest.FetcherConfig{
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		Interval:    cfg.FetchInterval,
		MaxAge:      cfg.FetchMaxAge,
	}, clk, recorder, ingestLog)
	scheduler := ingest.NewScheduler(feeds, fetcher, dedupEngine, clk, recorder, ingestLog, cfg.FetchMaxConcurrent)

	// 8. クリーンアップ
	cleanupJob := cleanup.NewCleanupJob(dedupStore.purger, clk, logger.Component(log, "cleanup"))
	cleanupJob.RetentionDays = cfg.DedupRetentionDays

	// 9. 運用API
	rateLimiter := middleware.NewRateLimiter(opsRateLimiterConfig(cfg.RateLimitOps), log)
	defer rateLimiter.Stop()

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			Logger:       log,
			RateLimiter:  rateLimiter,
			HealthChecks: healthChecks,
			Metrics:      metrics.Handler(reg),
			Queue:        publicationQueue,
			DeadLetters:  deadLetters,
			Circuits:     circuits,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("relay starting",
		slog.Int("sources", len(feeds)),
		slog.Int("workers", cfg.WorkerCount),
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Duration("min_delivery_spacing", t.MinDeliverySpacing),
	)

	g, gctx := errgroup.WithContext(ctx)
	articles := make(chan model.Article, cfg.WorkerCount*4)

	g.Go(func() error {
		defer close(articles)
		scheduler.Start(gctx, cfg.FetchInterval, articles)
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx, articles)
	})
	g.Go(func() error {
		publicationQueue.RunDeliveryLoop(gctx)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("relay stopped gracefully")
	return nil
}
