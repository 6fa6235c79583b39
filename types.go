package sekimon

import (
	"time"

	"github.com/google/uuid"
)

// Role is a principal's RBAC role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReviewer  Role = "reviewer"
	RoleRequester Role = "requester"
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

// Task is the public representation of a task after a state change.
// It is a curated view of internal/model.Task for use in extension
// interfaces. No internal package imports, so it is safe to use from
// outside the module.
type Task struct {
	ID               uuid.UUID
	RequesterID      string
	Title            string
	Description      string
	Action           string
	Parameters       map[string]any
	RequiresApproval bool
	Status           TaskStatus
	ReviewerID       *string
	ReviewNotes      *string
	RejectionReason  *string
	ExecutedBy       *string
	FailureReason    *string
	Result           map[string]any
	CreatedAt        time.Time
	DecidedAt        *time.Time
	StartedAt        *time.Time
	ExecutedAt       *time.Time
}

// Severity grades a SecurityEvent: info, warning or critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is the public representation of an audit log entry.
type SecurityEvent struct {
	ID            uuid.UUID
	Seq           int64
	CreatedAt     time.Time
	EventType     string
	Severity      Severity
	Description   string
	RelatedTaskID *uuid.UUID
	ActorID       string
	IPAddress     string
	UserAgent     string
	Details       map[string]any
	// ContentHash is the hex SHA-256 recorded when the event was appended.
	ContentHash string
}
