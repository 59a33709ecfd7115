package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// DefaultYandexEndpoint はYandex Cloud Translate v2 APIのエンドポイント。
const DefaultYandexEndpoint = "https://translate.api.cloud.yandex.net/translate/v2/translate"

// maxErrorBody はエラーレスポンス本文の読み取り上限。
const maxErrorBody = 4096

// YandexClient はYandex Cloud Translate APIを呼び出すProvider実装。
type YandexClient struct {
	endpoint   string
	apiKey     string
	folderID   string
	sourceLang string
	httpClient *http.Client
}

// NewYandexClient はYandexClientを生成する。httpClientがnilの場合はタイムアウト30秒のクライアントを使う。
func NewYandexClient(endpoint, apiKey, folderID, sourceLang string, httpClient *http.Client) *YandexClient {
	if endpoint == "" {
		endpoint = DefaultYandexEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &YandexClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		folderID:   folderID,
		sourceLang: sourceLang,
		httpClient: httpClient,
	}
}

type yandexRequest struct {
	SourceLanguageCode string   `json:"sourceLanguageCode,omitempty"`
	TargetLanguageCode string   `json:"targetLanguageCode"`
	Texts              []string `json:"texts"`
	FolderID           string   `json:"folderId,omitempty"`
	Format             string   `json:"format"`
}

type yandexResponse struct {
	Translations []struct {
		Text                 string `json:"text"`
		DetectedLanguageCode string `json:"detectedLanguageCode"`
	} `json:"translations"`
}

type yandexError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Translate はtextをtargetLangに翻訳する。
// 429・5xx・通信エラーは一時エラー、その他の4xxは恒久エラーとして返す。
func (c *YandexClient) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if text == "" {
		return "", nil
	}

	payload, err := json.Marshal(yandexRequest{
		SourceLanguageCode: c.sourceLang,
		TargetLanguageCode: targetLang,
		Texts:              []string{text},
		FolderID:           c.folderID,
		Format:             "PLAIN_TEXT",
	})
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("翻訳リクエストの生成に失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("翻訳リクエストの生成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("翻訳APIへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch resilience.ClassifyHTTPStatus(resp.StatusCode) {
	case resilience.ClassOK:
		var body yandexResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("翻訳レスポンスの解析に失敗しました: %w", err)
		}
		if len(body.Translations) == 0 {
			return "", errors.New("翻訳レスポンスに結果が含まれていません")
		}
		return body.Translations[0].Text, nil

	case resilience.ClassTransient:
		apiErr := readYandexError(resp.Body)
		err := fmt.Errorf("翻訳APIが一時エラーを返しました: status=%d message=%s", resp.StatusCode, apiErr.Message)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return "", &resilience.RetryAfterError{After: after, Err: err}
		}
		return "", err

	default:
		apiErr := readYandexError(resp.Body)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "language") {
			return "", resilience.Permanent(model.NewUnsupportedLanguageError(targetLang))
		}
		return "", resilience.Permanent(fmt.Errorf("翻訳APIがエラーを返しました: status=%d message=%s", resp.StatusCode, apiErr.Message))
	}
}

func readYandexError(r io.Reader) yandexError {
	var e yandexError
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err := json.Unmarshal(data, &e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(data))
	}
	return e
}

// parseRetryAfter は秒数形式のRetry-Afterヘッダーを解釈する。
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
