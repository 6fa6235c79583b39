package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

const taskColumns = `id, requester_id, title, description, action, parameters,
	requires_approval, status, reviewer_id, review_notes, rejection_reason,
	executed_by, failure_reason, result, created_at, decided_at, started_at, executed_at`

func (s *Store) PutTask(ctx context.Context, t model.Task) error {
	params, err := marshalObject(t.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal parameters: %w", err)
	}
	result, err := marshalNullable(t.Result)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.RequesterID, t.Title, t.Description, t.Action, params,
		t.RequiresApproval, string(t.Status), t.ReviewerID, t.ReviewNotes, t.RejectionReason,
		t.ExecutedBy, t.FailureReason, result, t.CreatedAt.UnixNano(),
		nullTime(t.DecidedAt), nullTime(t.StartedAt), nullTime(t.ExecutedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlitestore: put task %s: %w", t.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlitestore: put task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, fmt.Errorf("sqlitestore: task %s: %w", id, storage.ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("sqlitestore: get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		conds, args = append(conds, "status = ?"), append(args, string(*f.Status))
	}
	if f.RequesterID != nil {
		conds, args = append(conds, "requester_id = ?"), append(args, *f.RequesterID)
	}
	if f.Action != nil {
		conds, args = append(conds, "action = ?"), append(args, *f.Action)
	}
	if f.StartedBefore != nil {
		conds, args = append(conds, "started_at < ?"), append(args, f.StartedBefore.UnixNano())
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?"
	args = append(args, model.FetchLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected, next model.TaskStatus, mutate storage.Mutator) (model.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	updated, err := storage.ApplyTransition(current, expected, next, mutate)
	if err != nil {
		return model.Task{}, err
	}
	result, err := marshalNullable(updated.Result)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlitestore: marshal result: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, reviewer_id = ?, review_notes = ?, rejection_reason = ?,
		     executed_by = ?, failure_reason = ?, result = ?,
		     decided_at = ?, started_at = ?, executed_at = ?
		 WHERE id = ? AND status = ?`,
		string(next), updated.ReviewerID, updated.ReviewNotes, updated.RejectionReason,
		updated.ExecutedBy, updated.FailureReason, result,
		nullTime(updated.DecidedAt), nullTime(updated.StartedAt), nullTime(updated.ExecutedAt),
		id.String(), string(expected),
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlitestore: swap task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if affected != 1 {
		var actual string
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id.String()).Scan(&actual); err != nil {
			return model.Task{}, fmt.Errorf("sqlitestore: reread task status: %w", err)
		}
		return model.Task{}, &storage.ConflictError{TaskID: id, Expected: expected, Actual: model.TaskStatus(actual)}
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                                      model.Task
		id, status, params                     string
		reviewer, notes, rejection, executedBy sql.NullString
		failure, result                        sql.NullString
		createdAt                              int64
		decidedAt, startedAt, executedAt       sql.NullInt64
	)
	if err := row.Scan(
		&id, &t.RequesterID, &t.Title, &t.Description, &t.Action, &params,
		&t.RequiresApproval, &status, &reviewer, &notes, &rejection,
		&executedBy, &failure, &result, &createdAt, &decidedAt, &startedAt, &executedAt,
	); err != nil {
		return model.Task{}, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return model.Task{}, fmt.Errorf("parse task id: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return model.Task{}, fmt.Errorf("decode parameters: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return model.Task{}, fmt.Errorf("decode result: %w", err)
		}
	}
	t.Status = model.TaskStatus(status)
	t.ReviewerID = fromNullString(reviewer)
	t.ReviewNotes = fromNullString(notes)
	t.RejectionReason = fromNullString(rejection)
	t.ExecutedBy = fromNullString(executedBy)
	t.FailureReason = fromNullString(failure)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.DecidedAt = fromNullTime(decidedAt)
	t.StartedAt = fromNullTime(startedAt)
	t.ExecutedAt = fromNullTime(executedAt)
	return t, nil
}

func marshalObject(m map[string]any, empty string) (string, error) {
	if m == nil {
		return empty, nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
