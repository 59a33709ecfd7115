package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultHealthTimeout は依存先ごとの疎通確認の制限時間。
const defaultHealthTimeout = 2 * time.Second

// HealthCheck は依存先の疎通確認。
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler は GET /health を処理する。
type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checks []HealthCheck, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: defaultHealthTimeout, logger: logger}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ServeHTTP は全依存先を並行に確認し、1つでも失敗すれば503を返す。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := make([]error, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.Ping(ctx)
			return nil
		})
	}
	g.Wait()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for i, c := range h.checks {
		if err := results[i]; err != nil {
			h.logger.Warn("ヘルスチェックに失敗しました",
				slog.String("dependency", c.Name),
				slog.String("error", err.Error()),
			)
			resp.Checks[c.Name] = "unavailable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, resp)
}
