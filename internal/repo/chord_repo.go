package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/workflow"
)

// ChordRepo — pgx-реализация workflow.CounterStore для multi-process
// развёртываний.
//
// Exactly-once обеспечивается атомарным SQL-декрементом:
// ровно один UPDATE вернёт remaining = 0, и только его вызывающий
// поставит callback.
type ChordRepo struct {
	pool *pgxpool.Pool
}

// Проверка реализации интерфейса.
var _ workflow.CounterStore = (*ChordRepo)(nil)

// NewChordRepo создаёт ChordRepo.
func NewChordRepo(pool *pgxpool.Pool) *ChordRepo {
	return &ChordRepo{pool: pool}
}

// Create регистрирует chord.
func (r *ChordRepo) Create(ctx context.Context, ch *workflow.Chord) error {
	callbackJSON, err := json.Marshal(ch.Callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	query := `
		INSERT INTO chords (id, callback, size, remaining, fail_fast)
		VALUES ($1, $2, $3, $3, $4)
	`
	_, err = r.pool.Exec(ctx, query, ch.ID, callbackJSON, ch.Size, ch.FailFast)
	if err != nil {
		return fmt.Errorf("insert chord: %w", err)
	}
	return nil
}

// AddResult записывает итог участника и атомарно уменьшает счётчик.
//
// FailFast-прерывание — часть того же UPDATE, что и декремент: провал
// участника выставляет aborted в той же строке, и конкурентный успех
// не может застать remaining = 0 у ещё не прерванного chord'а.
func (r *ChordRepo) AddResult(ctx context.Context, chordID uuid.UUID, res domain.MemberResult) (int, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	resultJSON, err := json.Marshal(res.Result)
	if err != nil {
		return 0, false, fmt.Errorf("marshal result: %w", err)
	}
	errorJSON, err := json.Marshal(res.Error)
	if err != nil {
		return 0, false, fmt.Errorf("marshal error: %w", err)
	}

	insert := `
		INSERT INTO chord_results (chord_id, idx, task_id, state, result, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chord_id, idx) DO NOTHING
	`
	_, err = tx.Exec(ctx, insert, chordID, res.Index, res.TaskID, string(res.State), resultJSON, errorJSON)
	if err != nil {
		return 0, false, fmt.Errorf("insert chord result: %w", err)
	}

	// Атомарный декремент: ровно один вызов увидит remaining = 0,
	// и тот же UPDATE прерывает FailFast chord при провале участника
	update := `
		UPDATE chords
		SET remaining = remaining - 1,
		    aborted = fail_fast AND $2
		WHERE id = $1 AND aborted = FALSE
		RETURNING remaining, aborted
	`
	failed := res.State == domain.StateFailure
	var remaining int
	var aborted bool
	if err := tx.QueryRow(ctx, update, chordID, failed).Scan(&remaining, &aborted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, r.classifyMissing(ctx, chordID)
		}
		return 0, false, fmt.Errorf("decrement chord: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return remaining, aborted, nil
}

// classifyMissing различает отсутствующий и прерванный chord.
func (r *ChordRepo) classifyMissing(ctx context.Context, chordID uuid.UUID) error {
	var aborted bool
	err := r.pool.QueryRow(ctx, `SELECT aborted FROM chords WHERE id = $1`, chordID).Scan(&aborted)
	if err != nil {
		return workflow.ErrChordNotFound
	}
	if aborted {
		return workflow.ErrChordAborted
	}
	return workflow.ErrChordNotFound
}

// Take изымает сработавший chord. Ровно один вызов получает состояние.
func (r *ChordRepo) Take(ctx context.Context, chordID uuid.UUID) (*workflow.Chord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку: конкурентный Take увидит удаление после commit
	sel := `
		SELECT callback, size, fail_fast
		FROM chords
		WHERE id = $1 AND remaining = 0 AND aborted = FALSE
		FOR UPDATE
	`
	var callbackJSON []byte
	ch := &workflow.Chord{ID: chordID}
	if err := tx.QueryRow(ctx, sel, chordID).Scan(&callbackJSON, &ch.Size, &ch.FailFast); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrChordNotFound
		}
		return nil, fmt.Errorf("select chord: %w", err)
	}

	var callback domain.TaskRequest
	if err := json.Unmarshal(callbackJSON, &callback); err != nil {
		return nil, fmt.Errorf("unmarshal callback: %w", err)
	}
	ch.Callback = &callback

	rows, err := tx.Query(ctx, `
		SELECT idx, task_id, state, result, error
		FROM chord_results
		WHERE chord_id = $1
		ORDER BY idx ASC
	`, chordID)
	if err != nil {
		return nil, fmt.Errorf("select chord results: %w", err)
	}

	ch.Results = make([]domain.MemberResult, ch.Size)
	for rows.Next() {
		var idx int
		var res domain.MemberResult
		var state string
		var resultJSON, errorJSON []byte
		if err := rows.Scan(&idx, &res.TaskID, &state, &resultJSON, &errorJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chord result: %w", err)
		}
		res.Index = idx
		res.State = domain.TaskState(state)
		if len(resultJSON) > 0 {
			json.Unmarshal(resultJSON, &res.Result)
		}
		if len(errorJSON) > 0 {
			json.Unmarshal(errorJSON, &res.Error)
		}
		if idx >= 0 && idx < len(ch.Results) {
			ch.Results[idx] = res
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chord results: %w", err)
	}

	// ON DELETE CASCADE удаляет и chord_results
	if _, err := tx.Exec(ctx, `DELETE FROM chords WHERE id = $1`, chordID); err != nil {
		return nil, fmt.Errorf("delete chord: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ch, nil
}
