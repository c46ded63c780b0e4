package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shaiso/konveyer/internal/scheduler"
)

// ListSchedules возвращает все записи расписания.
// GET /api/v1/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		Unavailable(w, "no scheduler attached to this node")
		return
	}

	entries := h.scheduler.Entries()
	List(w, entries, len(entries))
}

// CreateSchedule добавляет запись расписания.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		Unavailable(w, "no scheduler attached to this node")
		return
	}

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	entry := req.ToEntry()
	if err := h.scheduler.Add(entry); err != nil {
		if errors.Is(err, scheduler.ErrEntryExists) {
			Conflict(w, err.Error())
			return
		}
		// Остальные ошибки Add — валидация записи
		BadRequest(w, err.Error())
		return
	}

	h.logger.Info("schedule entry created", "entry", entry.Name)
	Created(w, entry)
}

// DeleteSchedule удаляет запись расписания.
// DELETE /api/v1/schedules/{name}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		Unavailable(w, "no scheduler attached to this node")
		return
	}

	name := r.PathValue("name")
	if name == "" {
		BadRequest(w, "schedule name is required")
		return
	}

	if err := h.scheduler.Remove(name); err != nil {
		if HandleStoreError(w, h.logger, err, "schedule entry not found") {
			return
		}
	}

	h.logger.Info("schedule entry deleted", "entry", name)
	NoContent(w)
}
