package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/sekimon/internal/model"
)

const taskColumns = `id, requester_id, title, description, action, parameters,
	requires_approval, status, reviewer_id, review_notes, rejection_reason,
	executed_by, failure_reason, result, created_at, decided_at, started_at, executed_at`

// PutTask inserts a new task row.
func (db *DB) PutTask(ctx context.Context, t model.Task) error {
	params := t.Parameters
	if params == nil {
		params = map[string]any{}
	}
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			t.ID, t.RequesterID, t.Title, t.Description, t.Action, params,
			t.RequiresApproval, string(t.Status), t.ReviewerID, t.ReviewNotes, t.RejectionReason,
			t.ExecutedBy, t.FailureReason, t.Result, t.CreatedAt, t.DecidedAt, t.StartedAt, t.ExecutedAt,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("storage: put task %s: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("storage: put task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching f ordered by created_at, then insertion order.
func (db *DB) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.RequesterID != nil {
		add("requester_id = $%d", *f.RequesterID)
	}
	if f.Action != nil {
		add("action = $%d", *f.Action)
	}
	if f.StartedBefore != nil {
		add("started_at < $%d", *f.StartedBefore)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, model.FetchLimit(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at ASC, seq ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompareAndSwapStatus reads the task, applies the transition in memory and
// writes it back conditioned on the status it read. No row lock is taken: if
// a concurrent writer advanced the task in between, the UPDATE matches zero
// rows and the caller receives a ConflictError.
func (db *DB) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected, next model.TaskStatus, mutate Mutator) (model.Task, error) {
	current, err := db.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	updated, err := ApplyTransition(current, expected, next, mutate)
	if err != nil {
		return model.Task{}, err
	}

	var tag pgconn.CommandTag
	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		var err error
		tag, err = db.pool.Exec(ctx,
			`UPDATE tasks SET status = $3, reviewer_id = $4, review_notes = $5, rejection_reason = $6,
			     executed_by = $7, failure_reason = $8, result = $9,
			     decided_at = $10, started_at = $11, executed_at = $12
			 WHERE id = $1 AND status = $2`,
			id, string(expected), string(next), updated.ReviewerID, updated.ReviewNotes, updated.RejectionReason,
			updated.ExecutedBy, updated.FailureReason, updated.Result,
			updated.DecidedAt, updated.StartedAt, updated.ExecutedAt,
		)
		return err
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: swap task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual string
		if err := db.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&actual); err != nil {
			return model.Task{}, fmt.Errorf("storage: reread task status: %w", err)
		}
		return model.Task{}, &ConflictError{TaskID: id, Expected: expected, Actual: model.TaskStatus(actual)}
	}
	return updated, nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t      model.Task
		status string
	)
	err := row.Scan(
		&t.ID, &t.RequesterID, &t.Title, &t.Description, &t.Action, &t.Parameters,
		&t.RequiresApproval, &status, &t.ReviewerID, &t.ReviewNotes, &t.RejectionReason,
		&t.ExecutedBy, &t.FailureReason, &t.Result, &t.CreatedAt, &t.DecidedAt, &t.StartedAt, &t.ExecutedAt,
	)
	t.Status = model.TaskStatus(status)
	return t, err
}
