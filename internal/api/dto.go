package api

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/pool"
	"github.com/shaiso/konveyer/internal/scheduler"
)

// SubmitTaskRequest — запрос на постановку задачи.
type SubmitTaskRequest struct {
	// Type — тип задачи (обязателен).
	Type string `json:"type"`

	// Args — аргументы handler'а.
	Args map[string]any `json:"args,omitempty"`

	// Queue — очередь (default: "default").
	Queue string `json:"queue,omitempty"`

	// Priority — один из уровней 1/3/5/10 (default: 3).
	Priority *int `json:"priority,omitempty"`

	// MaxRetries — переопределение политики retry для этой задачи.
	MaxRetries int `json:"max_retries,omitempty"`

	// BackoffBaseMs — переопределение базовой задержки retry, мс.
	BackoffBaseMs int64 `json:"backoff_base_ms,omitempty"`

	// ETA — не выдавать задачу worker'у раньше этого времени.
	ETA *time.Time `json:"eta,omitempty"`

	// CountdownSec — альтернатива ETA: задержка от текущего момента.
	CountdownSec int `json:"countdown_sec,omitempty"`

	// IdempotencyKey — ключ идемпотентности producer'а.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ToTask валидирует запрос и собирает TaskRequest.
func (r *SubmitTaskRequest) ToTask(now time.Time) (*domain.TaskRequest, error) {
	if r.Type == "" {
		return nil, errors.New("type is required")
	}
	if r.ETA != nil && r.CountdownSec > 0 {
		return nil, errors.New("eta and countdown_sec are mutually exclusive")
	}
	if r.MaxRetries < 0 {
		return nil, errors.New("max_retries must be non-negative")
	}
	if r.BackoffBaseMs < 0 {
		return nil, errors.New("backoff_base_ms must be non-negative")
	}

	task := domain.NewTaskRequest(r.Type, r.Args)
	if r.Queue != "" {
		task.Queue = r.Queue
	}
	if r.Priority != nil {
		p := domain.Priority(*r.Priority)
		if !p.Valid() {
			return nil, errors.New("priority must be one of 1, 3, 5, 10")
		}
		task.Priority = p
	}
	task.MaxRetries = r.MaxRetries
	task.BackoffBase = time.Duration(r.BackoffBaseMs) * time.Millisecond
	task.IdempotencyKey = r.IdempotencyKey

	if r.ETA != nil {
		task.ETA = r.ETA
	} else if r.CountdownSec > 0 {
		eta := now.Add(time.Duration(r.CountdownSec) * time.Second)
		task.ETA = &eta
	}
	return task, nil
}

// SubmitTaskResponse — ответ на постановку задачи.
type SubmitTaskResponse struct {
	TaskID uuid.UUID        `json:"task_id"`
	State  domain.TaskState `json:"state"`
	Queue  string           `json:"queue"`
	ETA    *time.Time       `json:"eta,omitempty"`
}

// CancelTaskResponse — ответ на отмену задачи.
//
// Removed=false означает, что задача уже выдана worker'у:
// отмена advisory и выполнение не прерывает.
type CancelTaskResponse struct {
	TaskID  uuid.UUID `json:"task_id"`
	Removed bool      `json:"removed"`
}

// QueueInfo — глубина одной очереди.
type QueueInfo struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// PoolResponse — состояние worker pool'а.
type PoolResponse struct {
	Name      string          `json:"name"`
	Slots     int             `json:"slots"`
	Queues    []string        `json:"queues"`
	LatencyMs int64           `json:"latency_ms"`
	Workers   []pool.SlotInfo `json:"workers"`
}

// ScaleRequest — запрос на изменение размера пула.
type ScaleRequest struct {
	Slots int `json:"slots"`
}

// CreateScheduleRequest — запрос на создание записи расписания.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Args        map[string]any `json:"args,omitempty"`
	Queue       string         `json:"queue,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// ToEntry собирает scheduler.Entry. Валидация выражения и
// уникальности имени — на стороне Scheduler.Add.
func (r *CreateScheduleRequest) ToEntry() scheduler.Entry {
	e := scheduler.Entry{
		Name:     r.Name,
		Type:     r.Type,
		Args:     r.Args,
		Queue:    r.Queue,
		CronExpr: r.CronExpr,
		Interval: time.Duration(r.IntervalSec) * time.Second,
		Timezone: r.Timezone,
		Enabled:  true,
	}
	if r.Priority != nil {
		e.Priority = domain.Priority(*r.Priority)
	}
	if r.Enabled != nil {
		e.Enabled = *r.Enabled
	}
	return e
}
