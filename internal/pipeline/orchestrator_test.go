package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/cache"
	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/format"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/queue"
	"github.com/hitoshi/newsrelay/internal/resilience"
	"github.com/hitoshi/newsrelay/internal/scoring"
	"github.com/hitoshi/newsrelay/internal/security"
	"github.com/hitoshi/newsrelay/internal/translate"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- モック ---

type mockDeduper struct {
	checkFn func(ctx context.Context, article model.Article) (model.DedupOutcome, model.Fingerprint, error)
	calls   int
}

func (m *mockDeduper) CheckAndRecord(ctx context.Context, article model.Article) (model.DedupOutcome, model.Fingerprint, error) {
	m.calls++
	return m.checkFn(ctx, article)
}

type mockScorer struct {
	scoreFn func(article model.Article) model.ScoreResult
	calls   int
}

func (m *mockScorer) Score(article model.Article) model.ScoreResult {
	m.calls++
	return m.scoreFn(article)
}

type mockTranslator struct {
	translateFn func(ctx context.Context, req translate.Request) (model.TranslatedContent, error)
	calls       int
}

func (m *mockTranslator) Translate(ctx context.Context, req translate.Request) (model.TranslatedContent, error) {
	m.calls++
	return m.translateFn(ctx, req)
}

type mockFormatter struct{}

func (mockFormatter) Format(article model.Article, content model.TranslatedContent) model.Payload {
	return model.Payload{ArticleID: article.ID, Text: content.TitleTranslated + "|" + content.BodyTranslated}
}

type enqueueCall struct {
	payload  model.Payload
	priority int
}

type mockEnqueuer struct {
	enqueueFn func(ctx context.Context, payload model.Payload, priority int) (string, error)
	calls     []enqueueCall
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, payload model.Payload, priority int) (string, error) {
	m.calls = append(m.calls, enqueueCall{payload: payload, priority: priority})
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, payload, priority)
	}
	return "entry-1", nil
}

// mockRecorder は処理結果のみを記録するRecorder。
type mockRecorder struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []string
}

func (m *mockRecorder) RecordArticleProcessed(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type fixture struct {
	dedup      *mockDeduper
	scorer     *mockScorer
	translator *mockTranslator
	queue      *mockEnqueuer
	recorder   *mockRecorder
}

// newFixture は全段が成功するモックを組み立てる。
func newFixture() *fixture {
	return &fixture{
		dedup: &mockDeduper{checkFn: func(context.Context, model.Article) (model.DedupOutcome, model.Fingerprint, error) {
			return model.DedupAccepted, "fp-1", nil
		}},
		scorer: &mockScorer{scoreFn: func(model.Article) model.ScoreResult {
			return model.ScoreResult{TotalScore: 12, MeetsThreshold: true}
		}},
		translator: &mockTranslator{translateFn: func(_ context.Context, req translate.Request) (model.TranslatedContent, error) {
			return model.TranslatedContent{
				TitleTranslated:  "[ru] " + req.Title,
				BodyTranslated:   "[ru] " + req.Body,
				TargetLanguage:   req.TargetLanguage,
				EntitiesRestored: true,
			}, nil
		}},
		queue:    &mockEnqueuer{},
		recorder: &mockRecorder{},
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	var buf bytes.Buffer
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "ru"
	}
	return NewOrchestrator(cfg, f.dedup, f.scorer, f.translator, mockFormatter{}, f.queue, f.recorder, newTestLogger(&buf))
}

func testArticle() model.Article {
	return model.Article{
		ID:           "a1",
		SourceID:     "ign",
		SourceWeight: 5,
		Title:        "Patch notes",
		Body:         "Bug fixes",
		LanguageHint: "en",
	}
}

// --- Orchestrator ---

func TestProcess_Enqueued(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(Config{})

	res, err := o.Process(context.Background(), testArticle())
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != OutcomeEnqueued || res.EntryID != "entry-1" {
		t.Errorf("result = %+v", res)
	}
	if len(f.queue.calls) != 1 {
		t.Fatalf("Enqueue calls = %d, want 1", len(f.queue.calls))
	}
	call := f.queue.calls[0]
	if call.priority != 12 {
		t.Errorf("priority = %d, want TotalScore 12", call.priority)
	}
	if call.payload.Fingerprint != "fp-1" {
		t.Errorf("payload.Fingerprint = %q, want fp-1", call.payload.Fingerprint)
	}
	if call.payload.Text != "[ru] Patch notes|[ru] Bug fixes" {
		t.Errorf("payload.Text = %q", call.payload.Text)
	}
	if len(f.recorder.outcomes) != 1 || f.recorder.outcomes[0] != "enqueued" {
		t.Errorf("recorded outcomes = %v", f.recorder.outcomes)
	}
}

func TestProcess_ShortCircuits(t *testing.T) {
	tests := []struct {
		name           string
		article        func() model.Article
		setup          func(f *fixture)
		cfg            Config
		wantOutcome    Outcome
		wantErr        error
		wantScored     bool
		wantTranslated bool
	}{
		{
			name:        "タイトルが空の記事は拒否",
			article:     func() model.Article { a := testArticle(); a.Title = " "; return a },
			wantOutcome: OutcomeRejected,
			wantErr:     model.ErrInvalidArticle,
		},
		{
			name: "重複排除ストア障害",
			setup: func(f *fixture) {
				f.dedup.checkFn = func(context.Context, model.Article) (model.DedupOutcome, model.Fingerprint, error) {
					return "", "fp-1", model.NewStoreUnavailableError("dedup", errors.New("connection refused"))
				}
			},
			wantOutcome: OutcomeStoreUnavailable,
			wantErr:     model.ErrStoreUnavailable,
		},
		{
			name: "重複はスコアリングしない",
			setup: func(f *fixture) {
				f.dedup.checkFn = func(context.Context, model.Article) (model.DedupOutcome, model.Fingerprint, error) {
					return model.DedupDuplicate, "fp-1", nil
				}
			},
			wantOutcome: OutcomeDuplicate,
		},
		{
			name: "閾値未満は翻訳しない",
			setup: func(f *fixture) {
				f.scorer.scoreFn = func(model.Article) model.ScoreResult {
					return model.ScoreResult{TotalScore: 3}
				}
			},
			wantOutcome: OutcomeBelowThreshold,
			wantScored:  true,
		},
		{
			name: "翻訳失敗は破棄",
			setup: func(f *fixture) {
				f.translator.translateFn = func(context.Context, translate.Request) (model.TranslatedContent, error) {
					return model.TranslatedContent{}, model.NewTranslationError(&resilience.CircuitOpenError{Name: "translator"})
				}
			},
			wantOutcome:    OutcomeTranslationFailed,
			wantErr:        model.ErrTranslation,
			wantScored:     true,
			wantTranslated: true,
		},
		{
			name: "パススルー有効でも未対応言語は破棄",
			setup: func(f *fixture) {
				f.translator.translateFn = func(context.Context, translate.Request) (model.TranslatedContent, error) {
					return model.TranslatedContent{}, model.NewUnsupportedLanguageError("xx")
				}
			},
			cfg:            Config{Passthrough: true},
			wantOutcome:    OutcomeTranslationFailed,
			wantErr:        model.ErrUnsupportedLanguage,
			wantScored:     true,
			wantTranslated: true,
		},
		{
			name: "キャッシュ障害はストア障害として扱う",
			setup: func(f *fixture) {
				f.translator.translateFn = func(context.Context, translate.Request) (model.TranslatedContent, error) {
					return model.TranslatedContent{}, model.NewStoreUnavailableError("cache", errors.New("redis down"))
				}
			},
			cfg:            Config{Passthrough: true},
			wantOutcome:    OutcomeStoreUnavailable,
			wantErr:        model.ErrStoreUnavailable,
			wantScored:     true,
			wantTranslated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			article := testArticle()
			if tt.article != nil {
				article = tt.article()
			}

			res, err := f.orchestrator(tt.cfg).Process(context.Background(), article)

			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if got := f.scorer.calls > 0; got != tt.wantScored {
				t.Errorf("scored = %v, want %v", got, tt.wantScored)
			}
			if got := f.translator.calls > 0; got != tt.wantTranslated {
				t.Errorf("translated = %v, want %v", got, tt.wantTranslated)
			}
			if len(f.queue.calls) != 0 {
				t.Errorf("Enqueue calls = %d, want 0", len(f.queue.calls))
			}
			if len(f.recorder.outcomes) != 1 || f.recorder.outcomes[0] != string(tt.wantOutcome) {
				t.Errorf("recorded outcomes = %v, want [%s]", f.recorder.outcomes, tt.wantOutcome)
			}
		})
	}
}

// TestProcess_PassthroughOnTranslationFailure はパススルー有効時に翻訳失敗の記事を原文で配信することを検証する。
func TestProcess_PassthroughOnTranslationFailure(t *testing.T) {
	f := newFixture()
	f.translator.translateFn = func(context.Context, translate.Request) (model.TranslatedContent, error) {
		return model.TranslatedContent{}, model.NewTranslationError(errors.New("503"))
	}

	res, err := f.orchestrator(Config{Passthrough: true}).Process(context.Background(), testArticle())
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != OutcomeEnqueued || !res.Passthrough {
		t.Errorf("result = %+v, want enqueued passthrough", res)
	}
	if got := f.queue.calls[0].payload.Text; got != "Patch notes|Bug fixes" {
		t.Errorf("payload.Text = %q, want source text", got)
	}
}

// TestProcess_SameLanguageSkipsTranslation は配信言語と同じ言語の記事を翻訳しないことを検証する。
func TestProcess_SameLanguageSkipsTranslation(t *testing.T) {
	f := newFixture()
	article := testArticle()
	article.LanguageHint = "RU"

	res, err := f.orchestrator(Config{}).Process(context.Background(), article)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if f.translator.calls != 0 {
		t.Errorf("translator calls = %d, want 0", f.translator.calls)
	}
	if !res.Passthrough || res.Outcome != OutcomeEnqueued {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_QueueErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantOutcome Outcome
	}{
		{"キュー満杯", model.NewQueueFullError(10), OutcomeQueueFull},
		{"キューストア障害", model.NewStoreUnavailableError("queue", errors.New("pq")), OutcomeStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.queue.enqueueFn = func(context.Context, model.Payload, int) (string, error) {
				return "", tt.err
			}

			res, err := f.orchestrator(Config{}).Process(context.Background(), testArticle())
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
		})
	}
}

// --- 実コンポーネントを組み合わせたシナリオ ---

// echoProvider は受け取ったテキストに接頭辞を付けて返す翻訳プロバイダ。
type echoProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *echoProvider) Translate(_ context.Context, text, lang string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return "[" + lang + "] " + text, nil
}

type scenario struct {
	orchestrator *Orchestrator
	queue        *queue.Queue
	dlq          *queue.MemoryDeadLetters
	provider     *echoProvider
	clock        *clock.Fake
}

var scenarioNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newScenario(t *testing.T, deliverer queue.Deliverer) *scenario {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	clk := clock.NewFake(scenarioNow)
	tun := config.DefaultTunables()
	rules := config.DefaultRules()

	scorer, err := scoring.NewEngine(scoring.NewConfig(tun, rules), clk)
	if err != nil {
		t.Fatal(err)
	}
	memCache, err := cache.NewMemoryCache(16, clk)
	if err != nil {
		t.Fatal(err)
	}
	detector, err := translate.NewDetector(translate.StrategyHybrid, rules.Entities)
	if err != nil {
		t.Fatal(err)
	}
	provider := &echoProvider{}
	translator := translate.NewTranslator(
		provider, memCache, detector,
		resilience.NewPolicy(resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("translator"), clk, logger), nil, time.Second),
		translate.Config{SupportedLanguages: []string{"ru"}, CacheTTL: time.Hour},
		nil, logger,
	)

	dlq := queue.NewMemoryDeadLetters()
	q := queue.New(queue.Config{
		MinSpacing:  tun.MinDeliverySpacing,
		MaxAttempts: tun.DLQMaxAttempts,
		MaxSize:     tun.QueueMaxSize,
		BaseDelay:   tun.RetryBaseDelay,
		MaxDelay:    tun.RetryMaxDelay,
		Jitter:      tun.RetryJitter,
	}, queue.NewMemoryStore(), dlq, deliverer,
		resilience.NewPolicy(resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("telegram"), clk, logger), nil, time.Second),
		clk, nil, logger)

	formatter := format.New(format.NewHashtagger(rules.Hashtags), security.NewTelegramSanitizer(), 0)
	o := NewOrchestrator(Config{TargetLanguage: "ru"},
		dedup.NewEngine(dedup.NewMemoryStore(), clk, tun.DedupPrefixLen, logger),
		scorer, translator, formatter, q, nil, logger)

	return &scenario{orchestrator: o, queue: q, dlq: dlq, provider: provider, clock: clk}
}

func bigGameArticle() model.Article {
	return model.Article{
		ID:           "a1",
		SourceID:     "ign",
		SourceWeight: 10,
		Title:        "Big Game RPG Launch",
		Body:         "Official announcement with a brand new trailer from Ubisoft.",
		URL:          "https://ign.com/a/1",
		PublishedAt:  scenarioNow,
		LanguageHint: "en",
	}
}

// TestScenario_FreshArticleIsEnqueuedWithScorePriority は高スコアの記事がスコアを優先度としてキューに入ることを検証する。
func TestScenario_FreshArticleIsEnqueuedWithScorePriority(t *testing.T) {
	s := newScenario(t, nil)

	res, err := s.orchestrator.Process(context.Background(), bigGameArticle())
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Score.TotalScore != 21 || !res.Score.MeetsThreshold {
		t.Errorf("score = %+v, want 21 meets", res.Score)
	}
	if res.Outcome != OutcomeEnqueued {
		t.Fatalf("Outcome = %s, want enqueued", res.Outcome)
	}

	snap := s.queue.Snapshot()
	if len(snap) != 1 || snap[0].Priority != 21 {
		t.Fatalf("queue = %+v, want 1 entry with priority 21", snap)
	}
	text := snap[0].Payload.Text
	if !strings.HasPrefix(text, "<b>[ru] ") {
		t.Errorf("payload text = %q, want translated title", text)
	}
	if !strings.Contains(text, "Ubisoft") {
		t.Errorf("エンティティが保持されていない: %q", text)
	}
	if strings.Contains(text, "__ENT") {
		t.Errorf("プレースホルダが残っている: %q", text)
	}
	if snap[0].Payload.Fingerprint != res.Fingerprint {
		t.Errorf("payload fingerprint = %s, want %s", snap[0].Payload.Fingerprint, res.Fingerprint)
	}
}

// TestScenario_IdenticalArticleTwice は同じ記事の2回目が重複として破棄されることを検証する。
func TestScenario_IdenticalArticleTwice(t *testing.T) {
	s := newScenario(t, nil)

	first, err := s.orchestrator.Process(context.Background(), bigGameArticle())
	if err != nil || first.Outcome != OutcomeEnqueued {
		t.Fatalf("1回目 = %+v, %v", first, err)
	}

	again := bigGameArticle()
	again.ID = "a1-repost"
	again.SourceID = "gamespot"
	second, err := s.orchestrator.Process(context.Background(), again)
	if err != nil {
		t.Fatalf("2回目 error: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("2回目 Outcome = %s, want duplicate", second.Outcome)
	}
	if s.queue.Depth() != 1 {
		t.Errorf("Depth = %d, want 1", s.queue.Depth())
	}
}

// TestScenario_DeliveryFailsThreeTimes は配信が3回失敗した記事がattempt=3でデッドレターに入ることを検証する。
func TestScenario_DeliveryFailsThreeTimes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	deliverer := delivererFunc(func(context.Context, model.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 3 {
			defer cancel()
		}
		return errors.New("telegram: 502")
	})
	s := newScenario(t, deliverer)

	if _, err := s.orchestrator.Process(context.Background(), bigGameArticle()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.queue.RunDeliveryLoop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("配信ループが終了しない")
	}

	entries, _ := s.dlq.List(context.Background(), 10, 0)
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if entries[0].Entry.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", entries[0].Entry.Attempt)
	}
	if s.queue.Depth() != 0 {
		t.Errorf("Depth = %d, want 0", s.queue.Depth())
	}
}

type delivererFunc func(ctx context.Context, payload model.Payload) error

func (f delivererFunc) Deliver(ctx context.Context, payload model.Payload) (string, error) {
	if err := f(ctx, payload); err != nil {
		return "", err
	}
	return "msg-" + payload.ArticleID, nil
}
