package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
)

func pendingTask() model.Task {
	return model.Task{
		ID:          uuid.New(),
		RequesterID: "alice",
		Action:      "payments.capture",
		Parameters:  map[string]any{"amount": 5},
		Status:      model.TaskStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestApplyTransitionConflict(t *testing.T) {
	task := pendingTask()
	_, err := ApplyTransition(task, model.TaskStatusApproved, model.TaskStatusExecuting, nil)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, model.TaskStatusPending, conflict.Actual)
	assert.Contains(t, err.Error(), "expected approved")
}

func TestApplyTransitionClampsTimestamps(t *testing.T) {
	task := pendingTask()
	earlier := task.CreatedAt.Add(-time.Hour)
	updated, err := ApplyTransition(task, model.TaskStatusPending, model.TaskStatusApproved, func(t *model.Task) {
		t.DecidedAt = &earlier
	})
	require.NoError(t, err)
	require.NotNil(t, updated.DecidedAt)
	assert.True(t, updated.DecidedAt.Equal(task.CreatedAt))
}

func TestApplyTransitionDoesNotMutateInput(t *testing.T) {
	task := pendingTask()
	reviewer := "bob"
	_, err := ApplyTransition(task, model.TaskStatusPending, model.TaskStatusApproved, func(t *model.Task) {
		t.ReviewerID = &reviewer
		t.Parameters["amount"] = 500
	})
	require.NoError(t, err)
	assert.Nil(t, task.ReviewerID)
	assert.Equal(t, 5, task.Parameters["amount"])
}

func TestApplyTransitionParametersImmutable(t *testing.T) {
	task := pendingTask()
	updated, err := ApplyTransition(task, model.TaskStatusPending, model.TaskStatusApproved, func(t *model.Task) {
		t.Parameters = map[string]any{"amount": 1_000_000}
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Parameters["amount"])
}

func TestApplyTransitionExecutedAtOnlyOnTerminal(t *testing.T) {
	task := pendingTask()
	task.Status = model.TaskStatusApproved
	now := time.Now()
	_, err := ApplyTransition(task, model.TaskStatusApproved, model.TaskStatusExecuting, func(t *model.Task) {
		t.ExecutedAt = &now
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyTransitionResultWriteOnce(t *testing.T) {
	task := pendingTask()
	task.Status = model.TaskStatusExecuting
	task.Result = map[string]any{"partial": true}
	_, err := ApplyTransition(task, model.TaskStatusExecuting, model.TaskStatusExecuted, func(t *model.Task) {
		t.Result = map[string]any{"ok": true}
	})
	assert.ErrorIs(t, err, ErrWriteOnce)
}

func TestSeveritiesAtLeast(t *testing.T) {
	assert.Equal(t, []string{"warning", "critical"}, SeveritiesAtLeast(model.SeverityWarning))
	assert.Equal(t, []string{"info", "warning", "critical"}, SeveritiesAtLeast(model.SeverityInfo))
}
