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

const eventColumns = `id, seq, created_at, event_type, severity, description,
	related_task_id, actor_id, ip_address, user_agent, details, content_hash`

func (s *Store) AppendEvent(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	details, err := marshalObject(e.Details, "{}")
	if err != nil {
		return model.SecurityEvent{}, fmt.Errorf("sqlitestore: marshal details: %w", err)
	}
	var taskID sql.NullString
	if e.RelatedTaskID != nil {
		taskID = sql.NullString{String: e.RelatedTaskID.String(), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO security_events (id, created_at, event_type, severity, description,
			     related_task_id, actor_id, ip_address, user_agent, details, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.CreatedAt.UnixNano(), string(e.EventType), string(e.Severity), e.Description,
			taskID, e.ActorID, e.IPAddress, e.UserAgent, details, e.ContentHash,
		)
		if err != nil {
			return err
		}
		e.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.SecurityEvent{}, fmt.Errorf("sqlitestore: append event %s: %w", e.ID, storage.ErrDuplicate)
		}
		return model.SecurityEvent{}, fmt.Errorf("sqlitestore: append security event: %w", err)
	}
	return e, nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (model.SecurityEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SecurityEvent{}, fmt.Errorf("sqlitestore: security event %s: %w", id, storage.ErrNotFound)
		}
		return model.SecurityEvent{}, fmt.Errorf("sqlitestore: get security event: %w", err)
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.EventType != nil {
		conds, args = append(conds, "event_type = ?"), append(args, string(*f.EventType))
	}
	if f.Severity != nil {
		conds, args = append(conds, "severity = ?"), append(args, string(*f.Severity))
	}
	if f.MinSeverity != nil {
		sevs := storage.SeveritiesAtLeast(*f.MinSeverity)
		conds = append(conds, "severity IN (?"+strings.Repeat(", ?", len(sevs)-1)+")")
		for _, sev := range sevs {
			args = append(args, sev)
		}
	}
	if f.TaskID != nil {
		conds, args = append(conds, "related_task_id = ?"), append(args, f.TaskID.String())
	}
	if f.ActorID != nil {
		conds, args = append(conds, "actor_id = ?"), append(args, *f.ActorID)
	}
	if f.Since != nil {
		conds, args = append(conds, "created_at >= ?"), append(args, f.Since.UnixNano())
	}
	if f.Until != nil {
		conds, args = append(conds, "created_at < ?"), append(args, f.Until.UnixNano())
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
	query += " LIMIT ? OFFSET ?"
	args = append(args, model.FetchLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []model.SecurityEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (model.SecurityEvent, error) {
	var (
		e                                model.SecurityEvent
		id, eventType, severity, details string
		taskID                           sql.NullString
		createdAt                        int64
	)
	if err := row.Scan(
		&id, &e.Seq, &createdAt, &eventType, &severity, &e.Description,
		&taskID, &e.ActorID, &e.IPAddress, &e.UserAgent, &details, &e.ContentHash,
	); err != nil {
		return model.SecurityEvent{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.SecurityEvent{}, fmt.Errorf("parse event id: %w", err)
	}
	if taskID.Valid {
		tid, err := uuid.Parse(taskID.String)
		if err != nil {
			return model.SecurityEvent{}, fmt.Errorf("parse related task id: %w", err)
		}
		e.RelatedTaskID = &tid
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return model.SecurityEvent{}, fmt.Errorf("decode details: %w", err)
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.EventType = model.EventType(eventType)
	e.Severity = model.Severity(severity)
	return e, nil
}
