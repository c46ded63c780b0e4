package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
)

// DeadLetterRepo — долговечный архив мёртвых задач.
//
// In-memory broker держит кольцевой буфер архива; этот репозиторий —
// его персистентный аналог для инспекции и ручного requeue задач,
// исчерпавших retry или упавших permanent-ошибкой.
type DeadLetterRepo struct {
	pool *pgxpool.Pool
}

// NewDeadLetterRepo создаёт DeadLetterRepo.
func NewDeadLetterRepo(pool *pgxpool.Pool) *DeadLetterRepo {
	return &DeadLetterRepo{pool: pool}
}

// Insert архивирует задачу. Повторная архивация того же task_id
// перезаписывает запись (redelivery может привести задачу в архив дважды).
func (r *DeadLetterRepo) Insert(ctx context.Context, entry broker.DeadLetterEntry) error {
	taskJSON, err := json.Marshal(entry.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	query := `
		INSERT INTO dead_letters (task_id, task, reason, archived_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET task = EXCLUDED.task, reason = EXCLUDED.reason, archived_at = EXCLUDED.archived_at
	`
	_, err = r.pool.Exec(ctx, query, entry.Task.ID, taskJSON, entry.Reason, entry.ArchivedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Get возвращает запись архива по task ID.
func (r *DeadLetterRepo) Get(ctx context.Context, taskID uuid.UUID) (*broker.DeadLetterEntry, error) {
	query := `SELECT task, reason, archived_at FROM dead_letters WHERE task_id = $1`

	var taskJSON []byte
	entry := broker.DeadLetterEntry{}
	err := r.pool.QueryRow(ctx, query, taskID).Scan(&taskJSON, &entry.Reason, &entry.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	var task domain.TaskRequest
	if err := json.Unmarshal(taskJSON, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	entry.Task = &task
	return &entry, nil
}

// List возвращает свежие записи архива.
func (r *DeadLetterRepo) List(ctx context.Context, limit int) ([]broker.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT task, reason, archived_at
		FROM dead_letters
		ORDER BY archived_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []broker.DeadLetterEntry
	for rows.Next() {
		var taskJSON []byte
		entry := broker.DeadLetterEntry{}
		if err := rows.Scan(&taskJSON, &entry.Reason, &entry.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		var task domain.TaskRequest
		if err := json.Unmarshal(taskJSON, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		entry.Task = &task
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete удаляет запись архива (после ручного requeue).
func (r *DeadLetterRepo) Delete(ctx context.Context, taskID uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge удаляет записи старше порога. Возвращает количество удалённых.
func (r *DeadLetterRepo) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE archived_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return result.RowsAffected(), nil
}
