package storage

import (
	"fmt"
	"reflect"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

// ApplyTransition computes the task that results from moving current from
// expected to next. Every backend calls it inside its compare-and-swap so
// the lifecycle rules are identical regardless of storage.
//
// Identity fields are restored after the mutator runs, write-once fields may
// only go from unset to set, and new timestamps are clamped so that
// created_at <= decided_at <= started_at <= executed_at.
func ApplyTransition(current model.Task, expected, next model.TaskStatus, mutate Mutator) (model.Task, error) {
	if current.Status != expected {
		return model.Task{}, &ConflictError{TaskID: current.ID, Expected: expected, Actual: current.Status}
	}
	if !model.CanTransition(expected, next) {
		return model.Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	updated := current.Clone()
	if mutate != nil {
		mutate(&updated)
	}

	updated.ID = current.ID
	updated.RequesterID = current.RequesterID
	updated.Title = current.Title
	updated.Description = current.Description
	updated.Action = current.Action
	updated.Parameters = current.Clone().Parameters // mutators may not touch parameters
	updated.RequiresApproval = current.RequiresApproval
	updated.CreatedAt = current.CreatedAt
	updated.Status = next

	for _, f := range []struct {
		name      string
		was, now *string
	}{
		{"reviewer_id", current.ReviewerID, updated.ReviewerID},
		{"review_notes", current.ReviewNotes, updated.ReviewNotes},
		{"rejection_reason", current.RejectionReason, updated.RejectionReason},
		{"executed_by", current.ExecutedBy, updated.ExecutedBy},
		{"failure_reason", current.FailureReason, updated.FailureReason},
	} {
		if f.was != nil && (f.now == nil || *f.was != *f.now) {
			return model.Task{}, fmt.Errorf("%w: %s", ErrWriteOnce, f.name)
		}
	}
	for _, f := range []struct {
		name      string
		was, now *time.Time
	}{
		{"decided_at", current.DecidedAt, updated.DecidedAt},
		{"started_at", current.StartedAt, updated.StartedAt},
		{"executed_at", current.ExecutedAt, updated.ExecutedAt},
	} {
		if f.was != nil && (f.now == nil || !f.was.Equal(*f.now)) {
			return model.Task{}, fmt.Errorf("%w: %s", ErrWriteOnce, f.name)
		}
	}
	if current.Result != nil && !reflect.DeepEqual(current.Result, updated.Result) {
		return model.Task{}, fmt.Errorf("%w: result", ErrWriteOnce)
	}

	floor := updated.CreatedAt
	updated.DecidedAt = clampAfter(updated.DecidedAt, &floor)
	if updated.DecidedAt != nil {
		floor = *updated.DecidedAt
	}
	updated.StartedAt = clampAfter(updated.StartedAt, &floor)
	if updated.StartedAt != nil {
		floor = *updated.StartedAt
	}
	updated.ExecutedAt = clampAfter(updated.ExecutedAt, &floor)

	if updated.ExecutedAt != nil && next != model.TaskStatusExecuted && next != model.TaskStatusFailed {
		return model.Task{}, fmt.Errorf("%w: executed_at set on %s task", ErrInvalidTransition, next)
	}
	return updated, nil
}

func clampAfter(t *time.Time, floor *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	if t.Before(*floor) {
		v := *floor
		return &v
	}
	return t
}
