package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sekimon/internal/model"
)

const eventColumns = `id, seq, created_at, event_type, severity, description,
	related_task_id, actor_id, ip_address, user_agent, details, content_hash`

// AppendEvent inserts a security event. The table rejects UPDATE and DELETE
// at the database level.
func (db *DB) AppendEvent(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO security_events (id, created_at, event_type, severity, description,
			     related_task_id, actor_id, ip_address, user_agent, details, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING seq`,
			e.ID, e.CreatedAt, string(e.EventType), string(e.Severity), e.Description,
			e.RelatedTaskID, e.ActorID, e.IPAddress, e.UserAgent, details, e.ContentHash,
		).Scan(&e.Seq)
	})
	if err != nil {
		return model.SecurityEvent{}, fmt.Errorf("storage: append security event: %w", err)
	}
	return e, nil
}

// GetEvent retrieves a security event by id.
func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (model.SecurityEvent, error) {
	e, err := scanEvent(db.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SecurityEvent{}, fmt.Errorf("storage: security event %s: %w", id, ErrNotFound)
		}
		return model.SecurityEvent{}, fmt.Errorf("storage: get security event: %w", err)
	}
	return e, nil
}

// ListEvents returns events matching f, newest first unless f.Ascending.
func (db *DB) ListEvents(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EventType != nil {
		add("event_type = $%d", string(*f.EventType))
	}
	if f.Severity != nil {
		add("severity = $%d", string(*f.Severity))
	}
	if f.MinSeverity != nil {
		add("severity = ANY($%d)", SeveritiesAtLeast(*f.MinSeverity))
	}
	if f.TaskID != nil {
		add("related_task_id = $%d", *f.TaskID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}

	query := `SELECT ` + eventColumns + ` FROM security_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY created_at ASC, seq ASC"
	} else {
		query += " ORDER BY created_at DESC, seq DESC"
	}
	args = append(args, model.FetchLimit(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list security events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (model.SecurityEvent, error) {
	var (
		e                   model.SecurityEvent
		eventType, severity string
	)
	err := row.Scan(
		&e.ID, &e.Seq, &e.CreatedAt, &eventType, &severity, &e.Description,
		&e.RelatedTaskID, &e.ActorID, &e.IPAddress, &e.UserAgent, &e.Details, &e.ContentHash,
	)
	e.EventType = model.EventType(eventType)
	e.Severity = model.Severity(severity)
	return e, err
}
