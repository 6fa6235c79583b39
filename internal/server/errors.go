package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// writeServiceError maps gate, dispatch and storage errors onto the API
// error envelope. Anything unrecognized is a 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var (
		validationErr *gate.ValidationError
		stateErr      *gate.StateError
		conflictErr   *storage.ConflictError
		execErr       *dispatch.ExecutionError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			validationErr.Field+": "+validationErr.Message)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
	case errors.Is(err, gate.ErrSelfReview):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "reviewers may not decide their own requests")
	case errors.As(err, &execErr):
		code := model.ErrCodeExecutionFailed
		if errors.Is(execErr.Err, dispatch.ErrUnknownAction) {
			code = model.ErrCodeUnknownAction
		}
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, code, execErr.Error(), execErr.Task)
	case errors.Is(err, dispatch.ErrApprovalBypass):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState,
			"task is approved but carries no reviewer; execution refused")
	case errors.As(err, &stateErr):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeInvalidState, stateErr.Error(),
			map[string]any{"task_id": stateErr.TaskID, "status": stateErr.Status})
	case errors.As(err, &conflictErr):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
			"task was changed concurrently by another request",
			map[string]any{"task_id": conflictErr.TaskID, "status": conflictErr.Actual})
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err with request context and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
