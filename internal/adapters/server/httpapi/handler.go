// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// maxSnapshotBytes limits snapshot imports.
const maxSnapshotBytes int64 = 32 << 20

// correlationHeader lets callers attribute new actions without a JSON context block.
const correlationHeader = "X-Correlation-Id"

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	queue common.QueueService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter over the queue service.
func NewHandler(queue common.QueueService) *Handler {
	return &Handler{queue: queue}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "queue service is not configured",
		})
		return
	}
	parts := strings.Split(normalizePath(r.URL.Path), "/")
	switch {
	case len(parts) == 1 && parts[0] == "actions":
		switch r.Method {
		case http.MethodGet:
			h.handleListActions(w, r)
		case http.MethodPost:
			h.handleEnqueue(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case len(parts) == 2 && parts[0] == "actions" && parts[1] != "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleGetAction(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "actions" && parts[1] != "":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleActionCommand(w, r, parts[1], parts[2])
	case len(parts) == 1 && parts[0] == "types":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"types": domain.ActionTypes()})
	case len(parts) == 1 && parts[0] == "stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleStats(w, r)
	case len(parts) == 1 && parts[0] == "sync":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleSync(w, r)
	case len(parts) == 1 && parts[0] == "clear":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleClear(w, r)
	case len(parts) == 1 && parts[0] == "integrity":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleIntegrity(w, r)
	case len(parts) == 2 && parts[0] == "integrity" && parts[1] == "repair":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleRepair(w, r)
	case len(parts) == 1 && parts[0] == "network":
		switch r.Method {
		case http.MethodGet:
			h.handleNetwork(w, r)
		case http.MethodPut:
			h.handleSetNetwork(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	case len(parts) == 1 && parts[0] == "snapshot":
		switch r.Method {
		case http.MethodGet:
			h.handleExport(w, r)
		case http.MethodPut:
			h.handleImport(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	default:
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "endpoint not found",
		})
	}
}

// handleListActions serves GET `/actions`.
func (h *Handler) handleListActions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := common.ListActionsRequest{
		Statuses:      query["status"],
		Types:         query["type"],
		Priorities:    query["priority"],
		GroupID:       query.Get("group_id"),
		Tag:           query.Get("tag"),
		CorrelationID: query.Get("correlation_id"),
		UserID:        query.Get("user_id"),
		SessionID:     query.Get("session_id"),
		DeviceID:      query.Get("device_id"),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "limit must be an integer",
			})
			return
		}
		req.Limit = limit
	}
	actions, err := h.queue.ListActions(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if actions == nil {
		actions = []domain.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
	})
}

// handleEnqueue serves POST `/actions`.
func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req common.EnqueueRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if correlationID := strings.TrimSpace(r.Header.Get(correlationHeader)); correlationID != "" {
		if req.Context == nil {
			req.Context = &common.RequestContext{}
		}
		if req.Context.CorrelationID == "" {
			req.Context.CorrelationID = correlationID
		}
	}
	action, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// handleGetAction serves GET `/actions/{id}`.
func (h *Handler) handleGetAction(w http.ResponseWriter, r *http.Request, id string) {
	action, err := h.queue.GetAction(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// handleActionCommand serves POST `/actions/{id}/{command}`.
func (h *Handler) handleActionCommand(w http.ResponseWriter, r *http.Request, id, command string) {
	var (
		action domain.Action
		err    error
	)
	switch command {
	case "cancel":
		action, err = h.queue.CancelAction(r.Context(), id)
	case "retry":
		action, err = h.queue.RetryAction(r.Context(), id)
	case "priority":
		var req common.PriorityRequest
		if err = decodeJSONBody(r.Context(), w, r, &req); err == nil {
			req.ID = id
			action, err = h.queue.UpdatePriority(r.Context(), req)
		}
	case "tags":
		var req common.TagsRequest
		if err = decodeJSONBody(r.Context(), w, r, &req); err == nil {
			req.ID = id
			action, err = h.queue.EditTags(r.Context(), req)
		}
	case "resolve":
		var req common.ResolveConflictRequest
		if err = decodeOptionalJSONBody(r.Context(), w, r, &req); err == nil {
			req.ID = id
			action, err = h.queue.ResolveConflict(r.Context(), req)
		}
	default:
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "endpoint not found",
			Context: map[string]any{"command": command},
		})
		return
	}
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// handleStats serves GET `/stats`.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSync serves POST `/sync`.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req common.SyncRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	report, err := h.queue.Sync(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleClear serves POST `/clear`.
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var req common.ClearRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.queue.Clear(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIntegrity serves GET `/integrity`.
func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.Integrity(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRepair serves POST `/integrity/repair`.
func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.RepairIntegrity(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleNetwork serves GET `/network`.
func (h *Handler) handleNetwork(w http.ResponseWriter, r *http.Request) {
	state, err := h.queue.Network(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleSetNetwork serves PUT `/network`.
func (h *Handler) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req common.NetworkState
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	state, err := h.queue.SetNetwork(r.Context(), req.Online)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleExport serves GET `/snapshot`.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queue.Export(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = app.EncodeSnapshot(w, snap)
}

// handleImport serves PUT `/snapshot`.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxSnapshotBytes)
	defer reader.Close()
	snap, err := app.DecodeSnapshot(reader)
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("decode snapshot: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	result, err := h.queue.Import(r.Context(), snap)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrStateConflict):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "state_conflict",
			Message: err.Error(),
			Hint:    "Fetch the action and check its status before retrying.",
		})
	case errors.Is(err, common.ErrCapacity):
		writeJSONError(w, http.StatusTooManyRequests, APIError{
			Code:    "queue_full",
			Message: err.Error(),
			Hint:    "Clear completed or failed actions to free capacity.",
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: err.Error(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "request_canceled",
			Message: err.Error(),
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Trailing content after the first value fails the request.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
