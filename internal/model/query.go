package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskFilter narrows a task listing. Zero values mean "no constraint".
type TaskFilter struct {
	Status        *TaskStatus
	RequesterID   *string
	Action        *string
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// EventFilter narrows a security event listing.
type EventFilter struct {
	EventType   *EventType
	Severity    *Severity
	MinSeverity *Severity
	TaskID      *uuid.UUID
	ActorID     *string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
	// Ascending returns oldest first (audit export). The default is
	// newest first for operator review.
	Ascending bool
}

// Default and maximum page sizes for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// NormalizeLimit clamps a caller-supplied page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// FetchLimit clamps a store read. It allows one row past MaxListLimit so a
// caller asking for limit+1 can tell whether another page exists.
func FetchLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit+1)
}
