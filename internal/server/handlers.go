package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/maintenance"
	"github.com/ashita-ai/maintask/internal/model"
	"github.com/ashita-ai/maintask/internal/storage"
)

// RunReader is the read side of the run store used by the API.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error)
	Ping(ctx context.Context) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               RunReader
	registry            *maintenance.Registry
	runner              *maintenance.Runner
	controls            *maintenance.Controls
	queue               Pinger
	logger              *slog.Logger
	version             string
	driver              string
	maxRequestBodyBytes int64
	maxUploadBytes      int64
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               RunReader
	Registry            *maintenance.Registry
	Runner              *maintenance.Runner
	Controls            *maintenance.Controls
	Queue               Pinger
	Logger              *slog.Logger
	Version             string
	Driver              string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 32 << 20
	}
	return &Handlers{
		store:               d.Store,
		registry:            d.Registry,
		runner:              d.Runner,
		controls:            d.Controls,
		queue:               d.Queue,
		logger:              d.Logger,
		version:             d.Version,
		driver:              d.Driver,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxUploadBytes:      d.MaxUploadBytes,
		startedAt:           time.Now(),
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Storage:  storageStatus,
		Database: h.driver,
		Tasks:    h.registry.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.queue != nil {
		if err := h.queue.Ping(r.Context()); err == nil {
			resp.Queue = "connected"
		} else {
			// Runs can still be inspected and controlled; new ones cannot start.
			resp.Queue = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps engine and storage errors onto API responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var enqErr *maintenance.EnqueueError
	switch {
	case errors.Is(err, maintenance.ErrTaskNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, model.ErrInvalidArguments),
		errors.Is(err, maintenance.ErrCSVRequired),
		errors.Is(err, maintenance.ErrCSVUnexpected):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, maintenance.ErrNotControllable),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, storage.ErrStatusConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.As(err, &enqErr):
		h.logger.Error("http: enqueue failed", "run_id", enqErr.RunID, "error", enqErr.Err,
			"request_id", RequestIDFromContext(r.Context()))
		writeErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeEnqueueFailed,
			"run could not be queued", map[string]string{"run_id": enqErr.RunID.String()})
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes a 500 without leaking internals.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// handleDecodeError writes a 413 for oversized bodies and a 400 otherwise.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

// parseRunID extracts and validates the run_id path parameter.
func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := r.PathValue("run_id")
	if runIDStr == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id: %s", runIDStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryStatuses parses a comma-separated status filter.
func queryStatuses(r *http.Request) ([]model.RunStatus, error) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil, nil
	}
	var out []model.RunStatus
	for part := range strings.SplitSeq(v, ",") {
		s := model.RunStatus(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, fmt.Errorf("invalid status: %q", part)
		}
		out = append(out, s)
	}
	return out, nil
}

// readAll reads at most limit bytes from rc.
func readAll(rc io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	return b, nil
}
