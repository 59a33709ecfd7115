package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/newsrelay/internal/middleware"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// QueueInspector は公開キューの読み取り専用ビュー。
type QueueInspector interface {
	Snapshot() []model.QueueEntry
	LastDispatch() time.Time
}

// DeadLetterReader はデッドレターの読み取りインターフェース。
type DeadLetterReader interface {
	List(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error)
	Count(ctx context.Context) (int, error)
}

// CircuitLister はサーキットブレーカーの状態一覧を返す。
type CircuitLister interface {
	Snapshots() []resilience.BreakerSnapshot
}

// OpsHandler は運用向けの読み取り専用APIハンドラー。
type OpsHandler struct {
	queue       QueueInspector
	deadLetters DeadLetterReader
	circuits    CircuitLister
	logger      *slog.Logger
}

// NewOpsHandler はOpsHandlerを生成する。
func NewOpsHandler(queue QueueInspector, deadLetters DeadLetterReader, circuits CircuitLister, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		queue:       queue,
		deadLetters: deadLetters,
		circuits:    circuits,
		logger:      logger,
	}
}

// --- レスポンス型 ---

// queueEntryResponse はキューエントリのレスポンス。本文は含めない。
type queueEntryResponse struct {
	ID         string    `json:"id"`
	ArticleID  string    `json:"article_id"`
	SourceURL  string    `json:"source_url"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

type queueResponse struct {
	Depth        int                  `json:"depth"`
	LastDispatch *time.Time           `json:"last_dispatch,omitempty"`
	Entries      []queueEntryResponse `json:"entries"`
}

type deadLetterResponse struct {
	queueEntryResponse
	ExhaustedAt time.Time `json:"exhausted_at"`
}

type deadLetterListResponse struct {
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
	Items  []deadLetterResponse `json:"items"`
}

type circuitListResponse struct {
	Circuits []resilience.BreakerSnapshot `json:"circuits"`
}

func toQueueEntryResponse(e model.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:         e.ID,
		ArticleID:  e.Payload.ArticleID,
		SourceURL:  e.Payload.SourceURL,
		Priority:   e.Priority,
		Status:     string(e.Status()),
		Attempt:    e.Attempt,
		NotBefore:  e.NotBefore,
		EnqueuedAt: e.EnqueuedAt,
		LastError:  e.LastError,
	}
}

// --- ハンドラー ---

// GetQueue は GET /api/queue を処理する。配信順で保留エントリを返す。
func (h *OpsHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	entries := h.queue.Snapshot()

	resp := queueResponse{
		Depth:   len(entries),
		Entries: make([]queueEntryResponse, 0, len(entries)),
	}
	if last := h.queue.LastDispatch(); !last.IsZero() {
		resp.LastDispatch = &last
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toQueueEntryResponse(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListDeadLetters は GET /api/deadletters?limit=&offset= を処理する。新しい順に返す。
func (h *OpsHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseIntParam(r, "limit", defaultDeadLetterLimit)
	if !ok || limit < 1 || limit > maxDeadLetterLimit {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "INVALID_PARAMETER",
			"limitは1から"+strconv.Itoa(maxDeadLetterLimit)+"の整数で指定してください。")
		return
	}
	offset, ok := parseIntParam(r, "offset", 0)
	if !ok || offset < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "INVALID_PARAMETER", "offsetは0以上の整数で指定してください。")
		return
	}

	total, err := h.deadLetters.Count(r.Context())
	if err != nil {
		h.logger.Error("デッドレター件数の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	items, err := h.deadLetters.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("デッドレター一覧の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := deadLetterListResponse{
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Items:  make([]deadLetterResponse, 0, len(items)),
	}
	for _, d := range items {
		entry := toQueueEntryResponse(d.Entry)
		entry.Status = string(model.PublicationFailed)
		entry.LastError = d.LastError
		resp.Items = append(resp.Items, deadLetterResponse{queueEntryResponse: entry, ExhaustedAt: d.ExhaustedAt})
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListCircuits は GET /api/circuits を処理する。
func (h *OpsHandler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	snapshots := h.circuits.Snapshots()
	if snapshots == nil {
		snapshots = []resilience.BreakerSnapshot{}
	}
	writeJSON(w, http.StatusOK, circuitListResponse{Circuits: snapshots})
}

// parseIntParam はクエリパラメータを整数として読む。未指定ならdefを返す。
func parseIntParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
