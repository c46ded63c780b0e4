package api

import (
	"encoding/json"
	"net/http"
	"sort"
)

// ListQueues возвращает глубины очередей.
// GET /api/v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	infos := make([]QueueInfo, 0, len(h.queues))
	for _, q := range h.queues {
		infos = append(infos, QueueInfo{Name: q, Depth: h.broker.Depth(q)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	List(w, infos, len(infos))
}

// GetPool возвращает состояние worker pool'а.
// GET /api/v1/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		Unavailable(w, "no worker pool attached to this node")
		return
	}

	workers := h.pool.Snapshot()
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	Success(w, PoolResponse{
		Name:      h.pool.Name(),
		Slots:     h.pool.SlotCount(),
		Queues:    h.pool.Queues(),
		LatencyMs: h.pool.Latency().Milliseconds(),
		Workers:   workers,
	})
}

// ScalePool меняет количество slot'ов пула.
// POST /api/v1/pool/scale
func (h *Handler) ScalePool(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		Unavailable(w, "no worker pool attached to this node")
		return
	}

	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Slots < 1 {
		BadRequest(w, "slots must be at least 1")
		return
	}

	h.pool.Scale(req.Slots)
	h.logger.Info("pool scaled via api", "slots", req.Slots)

	Success(w, PoolResponse{
		Name:   h.pool.Name(),
		Slots:  h.pool.SlotCount(),
		Queues: h.pool.Queues(),
	})
}

// StopPool останавливает пул с grace period.
// POST /api/v1/pool/stop
//
// Остановка асинхронная: ответ возвращается сразу, in-flight задачи
// дорабатывают либо возвращаются в очередь по истечении grace period.
func (h *Handler) StopPool(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		Unavailable(w, "no worker pool attached to this node")
		return
	}

	h.logger.Info("pool stop requested via api")
	go h.pool.Stop()

	JSON(w, http.StatusAccepted, DataResponse{Data: map[string]any{
		"pool":     h.pool.Name(),
		"stopping": true,
	}})
}
