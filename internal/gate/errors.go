package gate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("gate: validation failed")
	// ErrInvalidState is wrapped by every StateError.
	ErrInvalidState = errors.New("gate: invalid state")
	// ErrSelfReview is returned when a reviewer tries to decide their own request.
	ErrSelfReview = errors.New("gate: reviewers may not decide their own requests")
)

// ValidationError reports bad caller input. No state changes when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gate: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StateError reports an operation that the task's current status does not
// permit, such as approving an already-decided task. It is not retried.
type StateError struct {
	TaskID uuid.UUID
	Op     string
	Status model.TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("gate: cannot %s task %s in status %s: nothing to %s", e.Op, e.TaskID, e.Status, e.Op)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
