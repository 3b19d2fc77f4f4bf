package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/audioworks/volcasr/internal/config"
	"github.com/audioworks/volcasr/internal/storage/sqlite"
	"github.com/audioworks/volcasr/internal/tasks"
	"github.com/audioworks/volcasr/pkg/logger"
)

// TaskReader is the read-only store surface the handlers need
type TaskReader interface {
	GetByID(id int64) (*sqlite.TaskRecord, error)
	GetByExternalID(externalID string) (*sqlite.TaskRecord, error)
	List(filter sqlite.ListFilter) ([]*sqlite.TaskRecord, int, error)
}

// Handler handles API requests
type Handler struct {
	service  *tasks.Service
	store    TaskReader
	config   *config.Config
	validate *validator.Validate
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *tasks.Service, store TaskReader, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		service:  service,
		store:    store,
		config:   config,
		validate: validator.New(),
		logger:   logger.Named("api-handler"),
	}
}

// Index handles GET / and lists the available endpoints
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "volcasr transcription service",
		"endpoints": map[string]string{
			"POST /transcribe":               "Submit transcription task (async, reconciled in background)",
			"POST /transcribe/sync":          "Submit and wait for the result",
			"GET /tasks":                     "List tasks, filterable by status",
			"GET /tasks/{id}":                "Get task by local ID",
			"GET /tasks/by-task-id/{taskID}": "Get task by provider task ID",
			"GET /status/{id}":               "Get task by provider or local ID (legacy route)",
			"GET /healthz":                   "Health check",
		},
	})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Transcribe handles POST /transcribe. The response is always 200; a submit
// failure is encoded in the task's own status and remains queryable.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTranscribeRequest(w, r)
	if !ok {
		return
	}

	task, err := h.service.Submit(r.Context(), req.AudioURL)
	if err != nil {
		h.logger.Error("Failed to submit task", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, codeInternal, "failed to submit task")
		return
	}

	resp := TranscribeResponse{
		Success: task.Status != sqlite.StatusFailed,
		TaskID:  task.ExternalID,
		DBID:    task.ID,
	}
	if resp.Success {
		resp.Message = "Task submitted successfully, processing in background"
	} else {
		resp.Message = stringOr(task.ErrorMessage, "task failed at submission")
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// TranscribeSync handles POST /transcribe/sync, blocking until the task
// finishes or the retry budget runs out.
func (h *Handler) TranscribeSync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTranscribeRequest(w, r)
	if !ok {
		return
	}

	maxRetries := h.config.Sync.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	retryInterval := time.Duration(h.config.Sync.RetryIntervalSecs) * time.Second
	if req.RetryInterval != nil {
		retryInterval = time.Duration(*req.RetryInterval) * time.Second
	}

	task, err := h.service.WaitForResult(r.Context(), req.AudioURL, maxRetries, retryInterval)
	switch {
	case errors.Is(err, tasks.ErrWaitTimeout):
		// Distinct from a provider-reported failure: the task is still
		// non-terminal and the background poller keeps driving it.
		h.respondError(w, http.StatusGatewayTimeout, codeWaitTimeout,
			fmt.Sprintf("task %d (%s) did not finish within %d retries, still %s",
				task.ID, task.ExternalID, maxRetries, task.Status))
		return
	case err != nil:
		h.logger.Error("Synchronous transcription failed", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, codeInternal, "failed to run synchronous transcription")
		return
	}

	if task.Status == sqlite.StatusFailed {
		h.respondError(w, http.StatusBadGateway, codeTranscribe,
			stringOr(task.ErrorMessage, "transcription failed"))
		return
	}

	h.respondJSON(w, http.StatusOK, TranscribeResponse{
		Success: true,
		Message: "Transcription completed successfully",
		TaskID:  task.ExternalID,
		DBID:    task.ID,
		Data:    NewChatMessage(stringOr(task.Transcript, "")),
	})
}

// ListTasks handles GET /tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := sqlite.ListFilter{}

	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = sqlite.TaskStatus(status)
		if !filter.Status.Valid() {
			h.respondError(w, http.StatusBadRequest, codeValidation,
				fmt.Sprintf("unknown status %q", status))
			return
		}
	}

	var ok bool
	if filter.Limit, ok = h.queryInt(w, r, "limit", 0); !ok {
		return
	}
	if filter.Offset, ok = h.queryInt(w, r, "offset", 0); !ok {
		return
	}

	records, total, err := h.store.List(filter)
	if err != nil {
		h.logger.Error("Failed to list tasks", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, codeInternal, "failed to list tasks")
		return
	}
	if records == nil {
		records = []*sqlite.TaskRecord{}
	}

	h.respondJSON(w, http.StatusOK, TaskListResponse{
		Total: total,
		Tasks: records,
	})
}

// GetTask handles GET /tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("invalid task ID %q", idParam))
		return
	}

	task, err := h.store.GetByID(id)
	if err != nil {
		h.respondStoreError(w, err, idParam)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// GetTaskByExternalID handles GET /tasks/by-task-id/{taskID}
func (h *Handler) GetTaskByExternalID(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := h.store.GetByExternalID(taskID)
	if err != nil {
		h.respondStoreError(w, err, taskID)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// GetStatus handles GET /status/{id}, the legacy status endpoint. The path
// parameter may be either a provider task ID or a local numeric ID; the
// provider ID is tried first. The body is the full task record, same as
// /tasks/{id}; only the lookup rule differs.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")

	task, err := h.store.GetByExternalID(idParam)
	if errors.Is(err, sqlite.ErrNotFound) {
		if id, parseErr := strconv.ParseInt(idParam, 10, 64); parseErr == nil {
			task, err = h.store.GetByID(id)
		}
	}
	if err != nil {
		h.respondStoreError(w, err, idParam)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// decodeTranscribeRequest decodes and validates a transcription request
// body, writing the error response itself when the body is bad
func (h *Handler) decodeTranscribeRequest(w http.ResponseWriter, r *http.Request) (*TranscribeRequest, bool) {
	var req TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, codeValidation, validationMessage(err))
		return nil, false
	}
	return &req, true
}

// queryInt parses an optional non-negative integer query parameter
func (h *Handler) queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		h.respondError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return value, true
}

// respondStoreError maps store errors onto HTTP responses
func (h *Handler) respondStoreError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, sqlite.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, codeNotFound,
			fmt.Sprintf("task %s not found", id))
		return
	}
	h.logger.Error("Store lookup failed", logger.Error(err))
	h.respondError(w, http.StatusInternalServerError, codeInternal, "failed to look up task")
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

// respondError writes a structured error response
func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}

// validationMessage renders validator errors into a single readable message
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		switch first.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", first.Field())
		case "url":
			return fmt.Sprintf("%s must be a valid URL", first.Field())
		default:
			return fmt.Sprintf("%s failed %s validation", first.Field(), first.Tag())
		}
	}
	return "invalid request"
}

// stringOr dereferences s, falling back to def when nil
func stringOr(s *string, def string) string {
	if s != nil {
		return *s
	}
	return def
}
