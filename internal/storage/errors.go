package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when Put is called with an id that already exists.
var ErrDuplicate = errors.New("storage: duplicate id")

// ErrConflict is the sentinel wrapped by every ConflictError.
var ErrConflict = errors.New("storage: status conflict")

// ErrInvalidTransition is returned when a compare-and-swap asks for a
// status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

// ErrWriteOnce is returned when a mutator tries to overwrite a field
// that has already been set.
var ErrWriteOnce = errors.New("storage: field already set")

// ConflictError reports a compare-and-swap whose expected status did not
// match the stored one: another operation advanced the task first.
type ConflictError struct {
	TaskID   uuid.UUID
	Expected model.TaskStatus
	Actual   model.TaskStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: task %s is %s, expected %s", e.TaskID, e.Actual, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
