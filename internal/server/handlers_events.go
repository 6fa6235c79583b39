package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// HandleListEvents handles GET /v1/security-events, newest first.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, offset := queryLimit(r), queryOffset(r)
	f.Limit, f.Offset = limit+1, offset

	events, err := h.events.List(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list security events", err)
		return
	}
	page, hasMore := trimPage(events, limit)
	writeList(w, r, page, hasMore, limit, offset)
}

// HandleExportEvents handles GET /v1/security-events/export: oldest first
// with a Merkle root over the exported content hashes.
func (h *Handlers) HandleExportEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.Limit = queryInt(r, "limit", 0)
	f.Offset = queryOffset(r)

	export, err := h.events.Export(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to export security events", err)
		return
	}
	if export.Events == nil {
		export.Events = []model.SecurityEvent{}
	}
	writeJSON(w, r, http.StatusOK, export)
}

// HandleVerifyEvent handles GET /v1/security-events/{event_id}/verify.
func (h *Handlers) HandleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "event_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	v, err := h.events.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "security event not found")
			return
		}
		h.writeInternalError(w, r, "failed to verify security event", err)
		return
	}
	if !v.Valid {
		h.logger.Error("security event hash mismatch",
			"event_id", v.EventID,
			"stored_hash", v.StoredHash,
			"computed_hash", v.ComputedHash)
	}
	writeJSON(w, r, http.StatusOK, v)
}

func eventFilterFromQuery(r *http.Request) (model.EventFilter, error) {
	var f model.EventFilter
	if v := queryString(r, "event_type"); v != nil {
		et := model.EventType(*v)
		if !et.Valid() {
			return f, fmt.Errorf("invalid event_type %q", *v)
		}
		f.EventType = &et
	}
	if v := queryString(r, "severity"); v != nil {
		sev, err := model.ParseSeverity(*v)
		if err != nil {
			return f, err
		}
		f.Severity = &sev
	}
	if v := queryString(r, "min_severity"); v != nil {
		sev, err := model.ParseSeverity(*v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = &sev
	}
	if v := queryString(r, "task_id"); v != nil {
		id, err := uuid.Parse(*v)
		if err != nil {
			return f, fmt.Errorf("invalid task_id: %q is not a UUID", *v)
		}
		f.TaskID = &id
	}
	f.ActorID = queryString(r, "actor_id")

	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return f, errors.New("until must not be before since")
	}
	return f, nil
}
