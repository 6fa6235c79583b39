// Package storage defines the task and security event stores and provides
// the PostgreSQL implementation. Alternative backends live in memstore and
// sqlitestore and share the transition rules in ApplyTransition.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Mutator edits a copy of a task during a compare-and-swap. It must not
// change Status; the store sets it after the mutator returns.
type Mutator func(t *model.Task)

// TaskStore is the durable keyed record of every task.
type TaskStore interface {
	// PutTask inserts a new task. It returns ErrDuplicate if the id exists.
	PutTask(ctx context.Context, t model.Task) error
	// GetTask returns ErrNotFound for unknown ids.
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	// ListTasks returns matching tasks oldest first.
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
	// CompareAndSwapStatus is the only way to change a task's status.
	// It returns *ConflictError when the stored status is not expected.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected, next model.TaskStatus, mutate Mutator) (model.Task, error)
}

// EventStore is the append-only security event record.
type EventStore interface {
	// AppendEvent stores e and returns it with its sequence number assigned.
	AppendEvent(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error)
	GetEvent(ctx context.Context, id uuid.UUID) (model.SecurityEvent, error)
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error)
}

// Store is a complete backend with an explicit lifecycle.
type Store interface {
	TaskStore
	EventStore
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// SeveritiesAtLeast lists every severity ranked at or above min.
func SeveritiesAtLeast(min model.Severity) []string {
	var out []string
	for _, s := range []model.Severity{model.SeverityInfo, model.SeverityWarning, model.SeverityCritical} {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}
