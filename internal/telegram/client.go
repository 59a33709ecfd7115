// Package telegram はTelegram Bot APIへのメッセージ配信を提供する。
// Clientは公開キューのDelivererとして使用される。
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

const (
	// DefaultAPIBase はBot APIのベースURL。
	DefaultAPIBase = "https://api.telegram.org"
	// maxResponseBody はレスポンス本文の読み取り上限。
	maxResponseBody = 64 * 1024
	// defaultRetryAfter は429でretry_afterが返らなかった場合の待機時間。
	defaultRetryAfter = 5 * time.Second
)

// Client はsendMessageでチャンネルにメッセージを投稿するクライアント。
// チャンネル側の投稿数制限に合わせてレートリミッタで送信間隔を制御する。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	apiBase    string
	token      string
	chatID     string
}

// NewClient はClientを生成する。
// ratePerMinuteが0以下の場合はクライアント側のレート制限を行わない。
func NewClient(apiBase, token, chatID string, ratePerMinute int, httpClient *http.Client, logger *slog.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(ratePerMinute))
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		chatID:     chatID,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// APIError はBot APIがok=falseを返したときのエラー。
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: status %d: %s", e.StatusCode, e.Description)
}

// Deliver はペイロードをチャンネルに投稿する。
// 成功時は投稿されたメッセージのIDを配信IDとして返す。
// 429はretry_after付きの一時エラー、5xxと通信エラーは一時エラー、その他の4xxは恒久エラーとして返す。
func (c *Client) Deliver(ctx context.Context, payload model.Payload) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("telegram: レート制限の待機が中断されました: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    c.chatID,
		Text:      payload.Text,
		ParseMode: payload.ParseMode,
	})
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("telegram: リクエストのエンコードに失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/bot"+c.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("telegram: HTTPリクエストの作成に失敗しました: %w", c.redact(err)))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: sendMessageの呼び出しに失敗しました: %w", c.redact(err))
	}
	defer resp.Body.Close()

	var res apiResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// 途中で切れた応答はok=falseと区別できないため一時エラーとして再試行させる
		return "", fmt.Errorf("telegram: レスポンスの読み取りに失敗しました (status %d): %w", resp.StatusCode, err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		res.Description = strings.TrimSpace(string(raw))
	}

	switch resilience.ClassifyHTTPStatus(resp.StatusCode) {
	case resilience.ClassOK:
		if !res.OK {
			return "", resilience.Permanent(&APIError{StatusCode: resp.StatusCode, Description: res.Description})
		}
		var messageID int64
		if res.Result != nil {
			messageID = res.Result.MessageID
		}
		c.logger.Info("Telegramに投稿しました",
			slog.String("article_id", payload.ArticleID),
			slog.Int64("message_id", messageID),
		)
		return strconv.FormatInt(messageID, 10), nil

	case resilience.ClassTransient:
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: res.Description}
		if resp.StatusCode == http.StatusTooManyRequests {
			after := defaultRetryAfter
			if res.Parameters != nil && res.Parameters.RetryAfter > 0 {
				after = time.Duration(res.Parameters.RetryAfter) * time.Second
			}
			c.logger.Warn("Telegramのレート制限に達しました",
				slog.String("article_id", payload.ArticleID),
				slog.Duration("retry_after", after),
			)
			return "", &resilience.RetryAfterError{After: after, Err: apiErr}
		}
		return "", apiErr

	default:
		return "", resilience.Permanent(&APIError{StatusCode: resp.StatusCode, Description: res.Description})
	}
}

// redact はエラーに含まれるURLからボットトークンを取り除く。
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && c.token != "" {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<redacted>")
	}
	return err
}
