package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

// HandleCreateTask handles POST /v1/tasks.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.gate.Create(r.Context(), gate.CreateInput{
		RequesterID:      ctxutil.PrincipalID(r.Context()),
		Title:            req.Title,
		Description:      req.Description,
		Action:           req.Action,
		Parameters:       req.Parameters,
		RequiresApproval: req.RequiresApproval,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to create task", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, task)
}

// HandleListPending handles GET /v1/tasks/pending. Reviewers see every
// pending task unless they pass mine=true; requesters see their own.
func (h *Handlers) HandleListPending(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r), queryOffset(r)
	scope := gate.Scope{
		PrincipalID: ctxutil.PrincipalID(r.Context()),
		All:         callerIsReviewer(r) && r.URL.Query().Get("mine") != "true",
	}

	tasks, err := h.gate.ListPending(r.Context(), scope, limit+1, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list pending tasks", err)
		return
	}
	page, hasMore := trimPage(tasks, limit)
	writeList(w, r, page, hasMore, limit, offset)
}

// HandleListTasks handles GET /v1/tasks.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r), queryOffset(r)
	f := model.TaskFilter{
		RequesterID: queryString(r, "requester_id"),
		Action:      queryString(r, "action"),
		Limit:       limit + 1,
		Offset:      offset,
	}
	if v := queryString(r, "status"); v != nil {
		status := model.TaskStatus(*v)
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("invalid status %q", *v))
			return
		}
		f.Status = &status
	}

	tasks, err := h.gate.List(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list tasks", err)
		return
	}
	page, hasMore := trimPage(tasks, limit)
	writeList(w, r, page, hasMore, limit, offset)
}

// HandleGetTask handles GET /v1/tasks/{task_id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r, "read")
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleApproveTask handles POST /v1/tasks/{task_id}/approve.
func (h *Handlers) HandleApproveTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "task_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ApproveTaskRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.gate.Approve(r.Context(), id, ctxutil.PrincipalID(r.Context()), req.Notes)
	if err != nil {
		h.writeServiceError(w, r, "failed to approve task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleRejectTask handles POST /v1/tasks/{task_id}/reject.
func (h *Handlers) HandleRejectTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "task_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RejectTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.gate.Reject(r.Context(), id, ctxutil.PrincipalID(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "failed to reject task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleExecuteTask handles POST /v1/tasks/{task_id}/execute. The requester
// may execute their own task; reviewers may execute any.
func (h *Handlers) HandleExecuteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r, "execute")
	if !ok {
		return
	}
	var req model.ExecuteTaskRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "timeout_seconds must not be negative")
		return
	}

	executed, err := h.dispatcher.Execute(r.Context(), task.ID, ctxutil.PrincipalID(r.Context()),
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		h.writeServiceError(w, r, "failed to execute task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, executed)
}

// HandlePolicy handles GET /v1/policy.
func (h *Handlers) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	p := h.gate.Policy()
	writeJSON(w, r, http.StatusOK, model.PolicyResponse{
		DefaultRequiresApproval: p.DefaultRequiresApproval(),
		Rules:                   p.Rules(),
		RegisteredActions:       h.dispatcher.Registry().Actions(),
	})
}

// loadTask resolves {task_id} and checks that the caller owns the task or
// is a reviewer. It writes the error response itself.
func (h *Handlers) loadTask(w http.ResponseWriter, r *http.Request, op string) (model.Task, bool) {
	id, err := pathUUID(r, "task_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Task{}, false
	}
	task, err := h.gate.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to load task", err)
		return model.Task{}, false
	}

	caller := ctxutil.PrincipalID(r.Context())
	if task.RequesterID != caller && !callerIsReviewer(r) {
		recordSecurityEvent(r, h.events, eventlog.Input{
			EventType:   model.EventAccessDenied,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("%s attempted to %s task %s owned by %s", caller, op, task.ID, task.RequesterID),
			TaskID:      &task.ID,
			ActorID:     caller,
			Details:     map[string]any{"operation": op},
		})
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "task belongs to another principal")
		return model.Task{}, false
	}
	return task, true
}
