package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/results"
)

// maxWait ограничивает long-poll ожидание статуса.
const maxWait = 30 * time.Second

// SubmitTask ставит задачу в очередь.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	task, err := req.ToTask(time.Now())
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	// Статус до постановки: задача видна как PENDING сразу,
	// даже если worker заберёт её раньше ответа клиенту.
	if err := h.store.SetState(r.Context(), task.ID, results.Write{State: domain.StatePending}); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	if err := h.broker.Enqueue(r.Context(), task); err != nil {
		if HandleStoreError(w, h.logger, err, "") {
			return
		}
	}

	h.logger.Info("task submitted",
		"task_id", task.ID,
		"type", task.Type,
		"queue", task.QueueName(),
		"priority", task.Priority,
	)

	Created(w, SubmitTaskResponse{
		TaskID: task.ID,
		State:  domain.StatePending,
		Queue:  task.QueueName(),
		ETA:    task.ETA,
	})
}

// GetTask возвращает статус задачи.
// GET /api/v1/tasks/{id}?wait_ms=...
//
// wait_ms включает long-poll: ответ откладывается до терминального
// состояния либо до истечения wait_ms (не более maxWait).
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	var status *results.Status
	if waitStr := r.URL.Query().Get("wait_ms"); waitStr != "" {
		waitMs, err := strconv.Atoi(waitStr)
		if err != nil || waitMs < 0 {
			BadRequest(w, "invalid wait_ms")
			return
		}
		wait := time.Duration(waitMs) * time.Millisecond
		if wait > maxWait {
			wait = maxWait
		}

		status, err = h.store.WaitFor(r.Context(), taskID, wait)
		if errors.Is(err, results.ErrWaitTimeout) {
			// Таймаут ожидания — не ошибка: отдаём текущий статус
			status, err = h.store.Get(r.Context(), taskID)
		}
		if HandleStoreError(w, h.logger, err, "task not found") {
			return
		}
	} else {
		status, err = h.store.Get(r.Context(), taskID)
		if HandleStoreError(w, h.logger, err, "task not found") {
			return
		}
	}

	Success(w, status)
}

// CancelTask отменяет PENDING-задачу.
// DELETE /api/v1/tasks/{id}
//
// Отмена advisory: если задача уже выдана worker'у, выполнение
// не прерывается и Removed=false.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	removed, err := h.broker.Cancel(r.Context(), taskID)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	h.logger.Info("task cancel requested", "task_id", taskID, "removed", removed)
	Success(w, CancelTaskResponse{TaskID: taskID, Removed: removed})
}
