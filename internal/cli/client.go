package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// SubmitResponse — ответ на постановку задачи.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Queue  string `json:"queue"`
	ETA    string `json:"eta,omitempty"`
}

// StatusResponse — статус задачи из API.
type StatusResponse struct {
	TaskID   string         `json:"task_id"`
	State    string         `json:"state"`
	Result   map[string]any `json:"result,omitempty"`
	Error    *ErrorDetail   `json:"error,omitempty"`
	Progress *ProgressInfo  `json:"progress,omitempty"`
	Attempt  int            `json:"attempt"`
}

// ErrorDetail — типизированная ошибка задачи.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// ProgressInfo — прогресс выполнения задачи.
type ProgressInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// CancelResponse — результат отмены задачи.
type CancelResponse struct {
	TaskID  string `json:"task_id"`
	Removed bool   `json:"removed"`
}

// QueueInfo — глубина очереди.
type QueueInfo struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// PoolResponse — состояние worker pool'а.
type PoolResponse struct {
	Name      string       `json:"name"`
	Slots     int          `json:"slots"`
	Queues    []string     `json:"queues"`
	LatencyMs int64        `json:"latency_ms"`
	Workers   []WorkerInfo `json:"workers"`
}

// WorkerInfo — снимок одного slot'а пула.
type WorkerInfo struct {
	ID            int    `json:"id"`
	Generation    int    `json:"generation"`
	Executed      int    `json:"executed"`
	TotalExecuted int    `json:"total_executed"`
	CurrentTask   string `json:"current_task,omitempty"`
	Heartbeat     string `json:"heartbeat"`
}

// ScheduleResponse — запись расписания из API.
type ScheduleResponse struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Args      map[string]any `json:"args,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	CronExpr  string         `json:"cron_expr,omitempty"`
	Interval  int64          `json:"interval,omitempty"`
	Timezone  string         `json:"timezone,omitempty"`
	Enabled   bool           `json:"enabled"`
	NextDueAt string         `json:"next_due_at"`
}

// --- Request types ---

// SubmitRequest — постановка задачи.
type SubmitRequest struct {
	Type           string         `json:"type"`
	Args           map[string]any `json:"args,omitempty"`
	Queue          string         `json:"queue,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	CountdownSec   int            `json:"countdown_sec,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CreateScheduleRequest — создание записи расписания.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Args        map[string]any `json:"args,omitempty"`
	Queue       string         `json:"queue,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
}

// ScaleRequest — изменение размера пула.
type ScaleRequest struct {
	Slots int `json:"slots"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Konveyer API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// --- Tasks ---

// SubmitTask ставит задачу в очередь.
func (c *Client) SubmitTask(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	err := c.post("/api/v1/tasks", req, &resp)
	return &resp, err
}

// GetTask возвращает статус задачи. waitMs > 0 включает long-poll:
// сервер держит запрос до терминального состояния или таймаута.
func (c *Client) GetTask(id string, waitMs int) (*StatusResponse, error) {
	path := "/api/v1/tasks/" + id
	if waitMs > 0 {
		params := url.Values{}
		params.Set("wait_ms", fmt.Sprintf("%d", waitMs))
		path = path + "?" + params.Encode()
	}

	var status StatusResponse
	err := c.get(path, &status)
	return &status, err
}

// CancelTask отменяет PENDING-задачу.
func (c *Client) CancelTask(id string) (*CancelResponse, error) {
	var resp CancelResponse
	err := c.doData(http.MethodDelete, "/api/v1/tasks/"+id, nil, &resp)
	return &resp, err
}

// --- Queues ---

// ListQueues возвращает глубины очередей.
func (c *Client) ListQueues() ([]QueueInfo, error) {
	var queues []QueueInfo
	err := c.list("/api/v1/queues", nil, &queues)
	return queues, err
}

// --- Pool ---

// GetPool возвращает состояние worker pool'а.
func (c *Client) GetPool() (*PoolResponse, error) {
	var pool PoolResponse
	err := c.get("/api/v1/pool", &pool)
	return &pool, err
}

// ScalePool меняет количество slot'ов пула.
func (c *Client) ScalePool(slots int) (*PoolResponse, error) {
	var pool PoolResponse
	err := c.post("/api/v1/pool/scale", ScaleRequest{Slots: slots}, &pool)
	return &pool, err
}

// --- Schedules ---

// ListSchedules возвращает записи расписания.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", nil, &schedules)
	return schedules, err
}

// CreateSchedule создаёт запись расписания.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/schedules", req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет запись расписания по имени.
func (c *Client) DeleteSchedule(name string) error {
	return c.delete("/api/v1/schedules/" + name)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
