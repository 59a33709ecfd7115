package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/queue"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

var testNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// mockQueue はQueueInspectorのテスト用モック。
type mockQueue struct {
	entries      []model.QueueEntry
	lastDispatch time.Time
}

func (m *mockQueue) Snapshot() []model.QueueEntry { return m.entries }
func (m *mockQueue) LastDispatch() time.Time     { return m.lastDispatch }

// mockDeadLetters はDeadLetterReaderのテスト用モック。
type mockDeadLetters struct {
	listFn  func(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error)
	countFn func(ctx context.Context) (int, error)
}

func (m *mockDeadLetters) List(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	return m.listFn(ctx, limit, offset)
}

func (m *mockDeadLetters) Count(ctx context.Context) (int, error) {
	return m.countFn(ctx)
}

// mockCircuits はCircuitListerのテスト用モック。
type mockCircuits struct {
	snapshots []resilience.BreakerSnapshot
}

func (m *mockCircuits) Snapshots() []resilience.BreakerSnapshot { return m.snapshots }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testQueueEntry(id string, priority, attempt int) model.QueueEntry {
	return model.QueueEntry{
		ID: id,
		Payload: model.Payload{
			ArticleID: "article-" + id,
			SourceURL: "https://www.ign.com/articles/" + id,
			Text:      "<b>本文</b>",
		},
		Priority:   priority,
		Attempt:    attempt,
		NotBefore:  testNow,
		EnqueuedAt: testNow.Add(-time.Minute),
	}
}

func TestOpsHandler_GetQueue(t *testing.T) {
	q := &mockQueue{
		entries: []model.QueueEntry{
			testQueueEntry("e1", 90, 0),
			func() model.QueueEntry {
				e := testQueueEntry("e2", 70, 2)
				e.LastError = "telegram: 502"
				return e
			}(),
		},
		lastDispatch: testNow.Add(-30 * time.Second),
	}
	h := NewOpsHandler(q, &mockDeadLetters{}, &mockCircuits{}, discardLogger())

	w := httptest.NewRecorder()
	h.GetQueue(w, httptest.NewRequest(http.MethodGet, "/api/queue", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp queueResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Depth != 2 || len(resp.Entries) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.LastDispatch == nil || !resp.LastDispatch.Equal(q.lastDispatch) {
		t.Errorf("last_dispatch = %v", resp.LastDispatch)
	}
	if resp.Entries[0].ID != "e1" || resp.Entries[0].Status != "pending" {
		t.Errorf("entries[0] = %+v", resp.Entries[0])
	}
	if resp.Entries[1].Status != "retrying" || resp.Entries[1].Attempt != 2 || resp.Entries[1].LastError != "telegram: 502" {
		t.Errorf("entries[1] = %+v", resp.Entries[1])
	}
	if bytes.Contains(w.Body.Bytes(), []byte("本文")) {
		t.Error("メッセージ本文をレスポンスに含めてはならない")
	}
}

func TestOpsHandler_GetQueue_Empty(t *testing.T) {
	h := NewOpsHandler(&mockQueue{}, &mockDeadLetters{}, &mockCircuits{}, discardLogger())

	w := httptest.NewRecorder()
	h.GetQueue(w, httptest.NewRequest(http.MethodGet, "/api/queue", nil))

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entries, ok := raw["entries"].([]any); !ok || len(entries) != 0 {
		t.Errorf("entries = %v, want []", raw["entries"])
	}
	if _, ok := raw["last_dispatch"]; ok {
		t.Error("未配信ならlast_dispatchを省略すべき")
	}
}

func TestOpsHandler_ListDeadLetters(t *testing.T) {
	dlq := queue.NewMemoryDeadLetters()
	for i, id := range []string{"d1", "d2", "d3"} {
		dlq.Append(context.Background(), model.DeadLetterEntry{
			Entry:       testQueueEntry(id, 50, 5),
			LastError:   "telegram: 500",
			ExhaustedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
	}
	h := NewOpsHandler(&mockQueue{}, dlq, &mockCircuits{}, discardLogger())

	w := httptest.NewRecorder()
	h.ListDeadLetters(w, httptest.NewRequest(http.MethodGet, "/api/deadletters?limit=2&offset=0", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp deadLetterListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("paging = %d/%d/%d", resp.Total, resp.Limit, resp.Offset)
	}
	if len(resp.Items) != 2 || resp.Items[0].ID != "d3" || resp.Items[1].ID != "d2" {
		t.Fatalf("items = %+v, want [d3 d2]", resp.Items)
	}
	if resp.Items[0].Status != "failed" || resp.Items[0].LastError != "telegram: 500" {
		t.Errorf("items[0] = %+v", resp.Items[0])
	}

	w = httptest.NewRecorder()
	h.ListDeadLetters(w, httptest.NewRequest(http.MethodGet, "/api/deadletters?offset=2", nil))
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Limit != defaultDeadLetterLimit || len(resp.Items) != 1 || resp.Items[0].ID != "d1" {
		t.Errorf("offset=2: %+v", resp)
	}
}

func TestOpsHandler_ListDeadLetters_InvalidParams(t *testing.T) {
	h := NewOpsHandler(&mockQueue{}, queue.NewMemoryDeadLetters(), &mockCircuits{}, discardLogger())

	for _, query := range []string{"limit=0", "limit=501", "limit=abc", "offset=-1", "offset=x"} {
		t.Run(query, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ListDeadLetters(w, httptest.NewRequest(http.MethodGet, "/api/deadletters?"+query, nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestOpsHandler_ListDeadLetters_StoreError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	dlq := &mockDeadLetters{
		countFn: func(ctx context.Context) (int, error) { return 0, errors.New("connection refused") },
	}
	h := NewOpsHandler(&mockQueue{}, dlq, &mockCircuits{}, logger)

	w := httptest.NewRecorder()
	h.ListDeadLetters(w, httptest.NewRequest(http.MethodGet, "/api/deadletters", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("connection refused")) {
		t.Error("内部エラーの詳細をレスポンスに含めてはならない")
	}
	if !bytes.Contains(buf.Bytes(), []byte("connection refused")) {
		t.Errorf("エラーがログに記録されていない: %s", buf.String())
	}
}

func TestOpsHandler_ListCircuits(t *testing.T) {
	opened := testNow
	h := NewOpsHandler(&mockQueue{}, &mockDeadLetters{}, &mockCircuits{snapshots: []resilience.BreakerSnapshot{
		{Name: "telegram", State: model.CircuitClosed},
		{Name: "translator", State: model.CircuitOpen, ConsecutiveFailures: 5, OpenedAt: &opened},
	}}, discardLogger())

	w := httptest.NewRecorder()
	h.ListCircuits(w, httptest.NewRequest(http.MethodGet, "/api/circuits", nil))

	var resp circuitListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Circuits) != 2 {
		t.Fatalf("circuits = %+v", resp.Circuits)
	}
	tr := resp.Circuits[1]
	if tr.Name != "translator" || tr.State != model.CircuitOpen || tr.ConsecutiveFailures != 5 || tr.OpenedAt == nil {
		t.Errorf("translator = %+v", tr)
	}
}

func TestOpsHandler_ListCircuits_Empty(t *testing.T) {
	h := NewOpsHandler(&mockQueue{}, &mockDeadLetters{}, &mockCircuits{}, discardLogger())

	w := httptest.NewRecorder()
	h.ListCircuits(w, httptest.NewRequest(http.MethodGet, "/api/circuits", nil))

	if got := w.Body.String(); got != "{\"circuits\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}
