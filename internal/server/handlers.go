package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/ctxutil"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
)

const (
	defaultListLimit = 20
	maxRunListLimit  = 100
	maxDocListLimit  = 200
)

// Pinger reports whether the run store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline            *pipeline.Service
	store               Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	keepalive           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Store is optional; without it /health does not probe the database.
type HandlersDeps struct {
	Pipeline            *pipeline.Service
	Store               Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		pipeline:            d.Pipeline,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		keepalive:           keepalive,
	}
}

// HandleListSources handles GET /v1/sources.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pipeline.Modules())
}

// HandleTestConnection handles POST /v1/sources/{module}/test-connection.
// Rejected credentials are a 200 with success=false.
func (h *Handlers) HandleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req model.TestConnectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	result, err := h.pipeline.TestConnection(r.Context(), model.ModuleKind(r.PathValue("module")), req.Credentials)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleStartExtraction handles POST /v1/sources/{module}/runs.
func (h *Handlers) HandleStartExtraction(w http.ResponseWriter, r *http.Request) {
	var req model.StartExtractionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.pipeline.StartExtraction(r.Context(), pipeline.ExtractRequest{
		OrgID:       ctxutil.OrgIDFromContext(r.Context()),
		UserID:      ctxutil.UserIDFromContext(r.Context()),
		Module:      model.ModuleKind(r.PathValue("module")),
		Config:      req.Config,
		Credentials: req.Credentials,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.RunAccepted{RunID: run.ID, Status: run.Status})
}

// HandleStartGeneration handles POST /v1/runs/{run_id}/generate. With
// wait=true the response is the generation run's result.
func (h *Handlers) HandleStartGeneration(w http.ResponseWriter, r *http.Request) {
	parentID, ok := runIDParam(w, r)
	if !ok {
		return
	}
	var req model.StartGenerationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	run, err := h.pipeline.StartGeneration(r.Context(), pipeline.GenerateRequest{
		OrgID:       orgID,
		UserID:      ctxutil.UserIDFromContext(r.Context()),
		ParentRunID: parentID,
		LLM:         req.LLM,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !req.Wait {
		writeJSON(w, r, http.StatusAccepted, model.RunAccepted{RunID: run.ID, Status: run.Status})
		return
	}

	// Generation keeps running if the client goes away; only the wait ends.
	if _, err := h.pipeline.Wait(r.Context(), orgID, run.ID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.pipeline.Result(r.Context(), orgID, run.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"), maxRunListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := model.RunFilter{
		Module: model.ModuleKind(q.Get("module")),
		Stage:  model.Stage(q.Get("stage")),
		Status: model.RunStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	if v := q.Get("parent_run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent_run_id must be a UUID")
			return
		}
		f.ParentRunID = &id
	}

	runs, total, err := h.pipeline.ListRuns(r.Context(), ctxutil.OrgIDFromContext(r.Context()), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}: the run and its progress log.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.pipeline.Status(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleRunResult handles GET /v1/runs/{run_id}/result.
func (h *Handlers) HandleRunResult(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.pipeline.Result(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleExtractedData handles GET /v1/runs/{run_id}/extracted.
func (h *Handlers) HandleExtractedData(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	data, err := h.pipeline.GetExtractedData(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}
	run, err := h.pipeline.Cancel(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListDocuments handles GET /v1/documents.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _, err := pagination(q.Get("limit"), "", maxDocListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := model.DocumentFilter{
		Module: model.ModuleKind(q.Get("module")),
		Scope:  q.Get("scope"),
		Key:    model.DocumentKey(q.Get("doc_key")),
		Limit:  limit,
	}
	if f.Key != "" && !f.Key.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown doc_key %q", f.Key))
		return
	}
	if v := q.Get("run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
			return
		}
		f.RunID = &id
	}
	if v := q.Get("include_superseded"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "include_superseded must be a boolean")
			return
		}
		f.IncludeSuperseded = b
	}

	docs, err := h.pipeline.ListDocuments(r.Context(), ctxutil.OrgIDFromContext(r.Context()), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleBuildTree handles POST /v1/trees.
func (h *Handlers) HandleBuildTree(w http.ResponseWriter, r *http.Request) {
	var req model.BuildTreeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.pipeline.BuildTree(r.Context(), pipeline.TreeRequest{
		OrgID:   ctxutil.OrgIDFromContext(r.Context()),
		UserID:  ctxutil.UserIDFromContext(r.Context()),
		Sources: req.Sources,
		LLM:     req.LLM,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.RunAccepted{RunID: run.ID, Status: run.Status})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Store:      "connected",
		ActiveRuns: h.pipeline.Active(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health: store ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.Store = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

// writeServiceError maps pipeline errors onto the error envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrNotReady):
		writeError(w, r, http.StatusConflict, model.ErrCodeNotReady, err.Error())
	case errors.Is(err, model.ErrAlreadyTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyTerminal, err.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away or gave up waiting; nobody reads this.
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "request cancelled")
	default:
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// runIDParam parses the {run_id} path value, writing a 400 when it is not a UUID.
func runIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit and offset query values. limit defaults to
// defaultListLimit and may not exceed maxLimit.
func pagination(limitStr, offsetStr string, maxLimit int) (limit, offset int, err error) {
	limit = defaultListLimit
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > maxLimit {
			return 0, 0, fmt.Errorf("limit must be an integer between 1 and %d", maxLimit)
		}
	}
	if offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
