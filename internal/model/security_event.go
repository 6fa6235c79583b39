package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a security event.
type EventType string

const (
	EventTaskCreated            EventType = "task_created"
	EventTaskApproved           EventType = "task_approved"
	EventTaskRejected           EventType = "task_rejected"
	EventTaskExecutionStarted   EventType = "task_execution_started"
	EventTaskExecuted           EventType = "task_executed"
	EventTaskExecutionFailed    EventType = "task_execution_failed"
	EventUnknownAction          EventType = "unknown_action"
	EventTaskExecutionAbandoned EventType = "task_execution_abandoned"
	EventAnomalyDetected        EventType = "anomaly_detected"
	EventApprovalBypassAttempt  EventType = "approval_bypass_attempt"
	EventAuthenticationFailed   EventType = "authentication_failed"
	EventAccessDenied           EventType = "access_denied"
)

var knownEventTypes = map[EventType]bool{
	EventTaskCreated:            true,
	EventTaskApproved:           true,
	EventTaskRejected:           true,
	EventTaskExecutionStarted:   true,
	EventTaskExecuted:           true,
	EventTaskExecutionFailed:    true,
	EventUnknownAction:          true,
	EventTaskExecutionAbandoned: true,
	EventAnomalyDetected:        true,
	EventApprovalBypassAttempt:  true,
	EventAuthenticationFailed:   true,
	EventAccessDenied:           true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return knownEventTypes[t] }

// Severity is the triage tier of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so filters can ask for "warning and above".
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("invalid severity %q (must be info, warning, or critical)", s)
	}
	return sev, nil
}

// SecurityEvent is an immutable audit record. Events are ordered by
// CreatedAt with Seq breaking ties in insertion order.
type SecurityEvent struct {
	ID            uuid.UUID      `json:"id"`
	Seq           int64          `json:"seq"`
	CreatedAt     time.Time      `json:"created_at"`
	EventType     EventType      `json:"event_type"`
	Severity      Severity       `json:"severity"`
	Description   string         `json:"description"`
	RelatedTaskID *uuid.UUID     `json:"related_task_id,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	ContentHash   string         `json:"content_hash"`
}
