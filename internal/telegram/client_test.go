package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/queue"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

var _ queue.Deliverer = (*Client)(nil)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	var buf bytes.Buffer
	return NewClient(server.URL, "123:secret", "@newsrelay", 0, server.Client(), newTestLogger(&buf))
}

// TestDeliver_Success はsendMessageに正しいリクエストを送信することを検証する。
func TestDeliver_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if r.URL.Path != "/bot123:secret/sendMessage" {
			t.Errorf("path = %s, want /bot123:secret/sendMessage", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s, want application/json", ct)
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("リクエストのデコードに失敗: %v", err)
		}
		if req.ChatID != "@newsrelay" || req.ParseMode != "HTML" || req.Text != "<b>hello</b>" {
			t.Errorf("request = %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	id, err := c.Deliver(context.Background(), model.Payload{ArticleID: "a1", Text: "<b>hello</b>", ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if id != "42" {
		t.Errorf("delivery id = %q, want 42", id)
	}
}

// TestDeliver_TruncatedResponseIsTransient は応答本文が途中で切れた場合に一時エラーとなることを検証する。
func TestDeliver_TruncatedResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 宣言より短い本文で接続を閉じる
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true,`))
	}))
	defer server.Close()

	id, err := newTestClient(t, server).Deliver(context.Background(), model.Payload{Text: "x"})
	if err == nil {
		t.Fatal("エラーが返ること")
	}
	if id != "" {
		t.Errorf("delivery id = %q, want empty", id)
	}
	if !resilience.IsTransient(err) {
		t.Errorf("読み取り失敗は一時エラーであること: %v", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("APIErrorとして扱わないこと: %v", err)
	}
}

// TestDeliver_ErrorClassification はステータスコードごとのエラー分類を検証する。
func TestDeliver_ErrorClassification(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantPermanent  bool
		wantRetryAfter time.Duration
	}{
		{
			name:           "429はretry_after付きの一時エラー",
			status:         http.StatusTooManyRequests,
			body:           `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 35","parameters":{"retry_after":35}}`,
			wantRetryAfter: 35 * time.Second,
		},
		{
			name:           "retry_afterなしの429",
			status:         http.StatusTooManyRequests,
			body:           `{"ok":false,"error_code":429,"description":"Too Many Requests"}`,
			wantRetryAfter: defaultRetryAfter,
		},
		{
			name:   "502は一時エラー",
			status: http.StatusBadGateway,
			body:   `<html>Bad Gateway</html>`,
		},
		{
			name:          "400は恒久エラー",
			status:        http.StatusBadRequest,
			body:          `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantPermanent: true,
		},
		{
			name:          "403は恒久エラー",
			status:        http.StatusForbidden,
			body:          `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked"}`,
			wantPermanent: true,
		},
		{
			name:          "200でもok=falseは恒久エラー",
			status:        http.StatusOK,
			body:          `{"ok":false,"description":"unexpected"}`,
			wantPermanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server).Deliver(context.Background(), model.Payload{Text: "x"})
			if err == nil {
				t.Fatal("エラーが返ること")
			}
			if got := resilience.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err=%v)", got, tt.wantPermanent, err)
			}

			var ra *resilience.RetryAfterError
			gotRA := errors.As(err, &ra)
			if tt.wantRetryAfter > 0 {
				if !gotRA || ra.After != tt.wantRetryAfter {
					t.Errorf("RetryAfter = %v (ok=%v), want %v", ra, gotRA, tt.wantRetryAfter)
				}
			} else if gotRA {
				t.Errorf("RetryAfterError は返さないこと: %v", err)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Errorf("APIError = %v, want status %d", apiErr, tt.status)
			}
		})
	}
}

// TestDeliver_NetworkErrorRedactsToken は通信エラーが一時エラーとして返り、トークンを含まないことを検証する。
func TestDeliver_NetworkErrorRedactsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(base, "123:secret", "@newsrelay", 0, &http.Client{Timeout: time.Second}, newTestLogger(&buf))

	_, err := c.Deliver(context.Background(), model.Payload{Text: "x"})
	if err == nil {
		t.Fatal("エラーが返ること")
	}
	if !resilience.IsTransient(err) {
		t.Errorf("通信エラーは一時エラーであること: %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("エラーメッセージにトークンが含まれる: %v", err)
	}
}

// TestDeliver_RateLimiterHonorsContext はレート制限の待機中にコンテキストのキャンセルで中断することを検証する。
func TestDeliver_RateLimiterHonorsContext(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.URL, "t", "c", 1, server.Client(), newTestLogger(&buf))

	if _, err := c.Deliver(context.Background(), model.Payload{Text: "first"}); err != nil {
		t.Fatalf("1件目 error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Deliver(ctx, model.Payload{Text: "second"}); err == nil {
		t.Error("1分あたり1件の制限で2件目はすぐに送信できないこと")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
