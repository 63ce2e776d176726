package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// RunHandler exposes read-only run history endpoints.
type RunHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?phase=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var phase *scrape.Phase
	if raw := strings.TrimSpace(r.URL.Query().Get("phase")); raw != "" {
		p, perr := scrape.ParsePhase(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid phase")
			return
		}
		phase = &p
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.repo.ListRuns(ctx, phase, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunDTOs(runs),
	})
}

// GetRun handles GET /v1/runs/{handle}. It returns {"run": {...}} on success,
// 404 when the repository reports store.ErrNotFound, 503 if the repo is not
// configured, or 500 otherwise.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	handle := strings.TrimSpace(chi.URLParam(r, "handle"))
	if handle == "" {
		writeError(w, http.StatusBadRequest, "handle is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("job_handle", handle), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	dto := runDTO{
		Handle:      run.Handle,
		TargetID:    run.TargetID,
		Mode:        string(run.Mode),
		RecordID:    run.RecordID,
		Phase:       string(run.Phase),
		Message:     run.Message,
		Progress:    run.Progress,
		Disposition: string(run.Disposition),
		Stream:      string(run.Stream),
		SubmittedAt: run.SubmittedAt,
		UpdatedAt:   run.UpdatedAt,
		FinishedAt:  run.FinishedAt,
	}
	if run.HasCounts {
		dto.Counts = &scrape.ResultCounts{Followers: run.Followers, Following: run.Following}
	}
	if run.RetryAfterSeconds > 0 {
		v := run.RetryAfterSeconds
		dto.RetryAfterSeconds = &v
	}
	return dto
}

type runDTO struct {
	Handle            string               `json:"job_handle"`
	TargetID          int64                `json:"target_id"`
	Mode              string               `json:"mode"`
	RecordID          string               `json:"server_job_record_id,omitempty"`
	Phase             string               `json:"phase"`
	Message           string               `json:"message,omitempty"`
	Progress          float64              `json:"progress"`
	Counts            *scrape.ResultCounts `json:"result_counts,omitempty"`
	RetryAfterSeconds *int                 `json:"retry_after_seconds,omitempty"`
	Disposition       string               `json:"disposition,omitempty"`
	Stream            string               `json:"stream,omitempty"`
	SubmittedAt       time.Time            `json:"submitted_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	FinishedAt        *time.Time           `json:"finished_at,omitempty"`
}
