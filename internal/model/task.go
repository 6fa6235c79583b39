package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a task's position in the approval lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusApproved  TaskStatus = "approved"
	TaskStatusRejected  TaskStatus = "rejected"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusExecuted  TaskStatus = "executed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Failure reasons recorded on tasks that end in TaskStatusFailed without an
// executor-supplied message.
const (
	FailureUnknownAction         = "UnknownAction"
	FailureTimeout               = "Timeout"
	FailureReconciliationTimeout = "ReconciliationTimeout"
)

// Field length limits for task creation.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 8 * 1024
	MaxActionLen      = 128
	MaxParametersSize = 64 * 1024
	MaxNotesLen       = 4 * 1024
	MaxFailureLen     = 1024
)

var actionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// allowedTransitions lists every legal status change. Anything absent is
// rejected by the store regardless of caller.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusApproved, TaskStatusRejected},
	TaskStatusApproved:  {TaskStatusExecuting},
	TaskStatusExecuting: {TaskStatusExecuted, TaskStatusFailed},
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusApproved, TaskStatusRejected,
		TaskStatusExecuting, TaskStatusExecuted, TaskStatusFailed:
		return true
	}
	return false
}

// Rank places s in the lifecycle partial order:
// pending < {approved, rejected} < executing < {executed, failed}.
// Unknown statuses rank -1.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusApproved, TaskStatusRejected:
		return 1
	case TaskStatusExecuting:
		return 2
	case TaskStatusExecuted, TaskStatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusRejected || s == TaskStatusExecuted || s == TaskStatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a recorded request for a sensitive action together with its
// approval and execution state. Tasks are never deleted.
type Task struct {
	ID               uuid.UUID      `json:"id"`
	RequesterID      string         `json:"requester_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Action           string         `json:"action"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requires_approval"`
	Status           TaskStatus     `json:"status"`
	ReviewerID       *string        `json:"reviewer_id,omitempty"`
	ReviewNotes      *string        `json:"review_notes,omitempty"`
	RejectionReason  *string        `json:"rejection_reason,omitempty"`
	ExecutedBy       *string        `json:"executed_by,omitempty"`
	FailureReason    *string        `json:"failure_reason,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	ExecutedAt       *time.Time     `json:"executed_at,omitempty"`
}

// Clone returns a copy of t that shares no mutable state with it.
// Parameters and Result are copied one level deep; nested values are
// treated as immutable JSON.
func (t Task) Clone() Task {
	c := t
	c.Parameters = cloneMap(t.Parameters)
	c.Result = cloneMap(t.Result)
	c.ReviewerID = cloneString(t.ReviewerID)
	c.ReviewNotes = cloneString(t.ReviewNotes)
	c.RejectionReason = cloneString(t.RejectionReason)
	c.ExecutedBy = cloneString(t.ExecutedBy)
	c.FailureReason = cloneString(t.FailureReason)
	c.DecidedAt = cloneTime(t.DecidedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.ExecutedAt = cloneTime(t.ExecutedAt)
	return c
}

// ValidateActionName checks that an action identifier is well formed.
func ValidateActionName(action string) error {
	if action == "" {
		return fmt.Errorf("action is required")
	}
	if len(action) > MaxActionLen {
		return fmt.Errorf("action exceeds maximum length of %d characters", MaxActionLen)
	}
	if !actionNamePattern.MatchString(action) {
		return fmt.Errorf("action %q must match %s", action, actionNamePattern.String())
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
