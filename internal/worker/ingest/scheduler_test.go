package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/clock"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/model"
)

var _ SeenChecker = (*dedup.Engine)(nil)

// mockFetcher はSourceFetcherのテスト用モック。
type mockFetcher struct {
	fetchFunc func(ctx context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error) {
	return m.fetchFunc(ctx, src, state)
}

// mockSeen はSeenCheckerのテスト用モック。
type mockSeen struct {
	seenFunc func(ctx context.Context, a model.Article) (bool, error)
}

func (m *mockSeen) Seen(ctx context.Context, a model.Article) (bool, error) {
	return m.seenFunc(ctx, a)
}

func testSources(ids ...string) []config.FeedSource {
	out := make([]config.FeedSource, 0, len(ids))
	for _, id := range ids {
		out = append(out, config.FeedSource{ID: id, URL: "https://" + id + ".example.com/rss"})
	}
	return out
}

func drain(ch chan model.Article) []model.Article {
	var out []model.Article
	for {
		select {
		case a := <-ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestNewScheduler_DefaultConcurrency(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(nil, &mockFetcher{}, nil, nil, nil, newTestLogger(&buf), 0)
	if s.maxConcurrency != 5 {
		t.Errorf("maxConcurrency = %d, want 5", s.maxConcurrency)
	}
}

func TestScheduler_RunOnce_EmitsArticles(t *testing.T) {
	var buf bytes.Buffer
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error) {
		ApplySuccess(state, testNow, 5*time.Minute)
		return []model.Article{
			{ID: src.ID + "-1", SourceID: src.ID, Title: "a"},
			{ID: src.ID + "-2", SourceID: src.ID, Title: "b"},
		}, nil
	}}
	s := NewScheduler(testSources("ign", "pcgamer"), fetcher, nil, clock.NewFake(testNow), nil, newTestLogger(&buf), 2)

	out := make(chan model.Article, 10)
	if n := s.RunOnce(context.Background(), out); n != 4 {
		t.Errorf("RunOnce() = %d, want 4", n)
	}
	if got := drain(out); len(got) != 4 {
		t.Errorf("emitted = %d, want 4", len(got))
	}

	// 状態が保存され、次回フェッチ時刻までは対象外になる
	if st := s.States()["ign"]; !st.NextFetchAt.Equal(testNow.Add(5 * time.Minute)) {
		t.Errorf("NextFetchAt = %v", st.NextFetchAt)
	}
	if n := s.RunOnce(context.Background(), out); n != 0 {
		t.Errorf("2回目の RunOnce() = %d, want 0", n)
	}
}

func TestScheduler_RunOnce_SkipsStoppedSources(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, src config.FeedSource, state *SourceState) ([]model.Article, error) {
		calls.Add(1)
		ApplyStop(state, "404")
		return nil, nil
	}}
	s := NewScheduler(testSources("gone"), fetcher, nil, clock.NewFake(testNow), nil, newTestLogger(&buf), 1)

	out := make(chan model.Article, 1)
	s.RunOnce(context.Background(), out)
	s.RunOnce(context.Background(), out)

	if calls.Load() != 1 {
		t.Errorf("Fetch calls = %d, want 1", calls.Load())
	}
	if !s.States()["gone"].Stopped {
		t.Error("Stopped = false, want true")
	}
}

// TestScheduler_RunOnce_FiltersSeenArticles は処理済みの記事を送信しないことを検証する。
func TestScheduler_RunOnce_FiltersSeenArticles(t *testing.T) {
	var buf bytes.Buffer
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, _ config.FeedSource, _ *SourceState) ([]model.Article, error) {
		return []model.Article{{ID: "old"}, {ID: "new"}, {ID: "unknown"}}, nil
	}}
	seen := &mockSeen{seenFunc: func(_ context.Context, a model.Article) (bool, error) {
		switch a.ID {
		case "old":
			return true, nil
		case "unknown":
			return false, errors.New("redis down")
		}
		return false, nil
	}}
	s := NewScheduler(testSources("ign"), fetcher, seen, clock.NewFake(testNow), nil, newTestLogger(&buf), 1)

	out := make(chan model.Article, 10)
	s.RunOnce(context.Background(), out)

	got := drain(out)
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "unknown" {
		t.Errorf("emitted = %+v, want [new unknown]", got)
	}
	if !strings.Contains(buf.String(), "処理済み判定に失敗しました") {
		t.Errorf("判定失敗がログに記録されていない: %s", buf.String())
	}
}

func TestScheduler_RunOnce_ConcurrencyLimit(t *testing.T) {
	var buf bytes.Buffer
	var current, peak atomic.Int32
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, _ config.FeedSource, _ *SourceState) ([]model.Article, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}}
	s := NewScheduler(testSources("a", "b", "c", "d", "e", "f"), fetcher, nil, clock.NewFake(testNow), nil, newTestLogger(&buf), 2)

	s.RunOnce(context.Background(), make(chan model.Article))

	if peak.Load() > 2 {
		t.Errorf("最大同時実行数 = %d, want <= 2", peak.Load())
	}
}

func TestScheduler_RunOnce_FetchErrorDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	fetched := map[string]bool{}
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, src config.FeedSource, _ *SourceState) ([]model.Article, error) {
		mu.Lock()
		fetched[src.ID] = true
		mu.Unlock()
		if src.ID == "broken" {
			return nil, errors.New("connection refused")
		}
		return []model.Article{{ID: src.ID}}, nil
	}}
	s := NewScheduler(testSources("broken", "ok"), fetcher, nil, clock.NewFake(testNow), nil, newTestLogger(&buf), 2)

	out := make(chan model.Article, 10)
	if n := s.RunOnce(context.Background(), out); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
	if !fetched["broken"] || !fetched["ok"] {
		t.Errorf("fetched = %v", fetched)
	}
	if !strings.Contains(buf.String(), "フィードフェッチに失敗しました") {
		t.Errorf("フェッチ失敗がログに記録されていない: %s", buf.String())
	}
}

// TestScheduler_RunOnce_StopsSendingOnCancel は受け手がいないまま停止しても戻ることを検証する。
func TestScheduler_RunOnce_StopsSendingOnCancel(t *testing.T) {
	var buf bytes.Buffer
	fetcher := &mockFetcher{fetchFunc: func(_ context.Context, _ config.FeedSource, _ *SourceState) ([]model.Article, error) {
		return []model.Article{{ID: "1"}, {ID: "2"}}, nil
	}}
	s := NewScheduler(testSources("ign"), fetcher, nil, clock.NewFake(testNow), nil, newTestLogger(&buf), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- s.RunOnce(ctx, make(chan model.Article)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("RunOnce() = %d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に RunOnce() が戻らなかった")
	}
}
