// Package storagetest holds the behavioral suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutDuplicate", func(t *testing.T) { testPutDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SwapLifecycle", func(t *testing.T) { testSwapLifecycle(t, newStore(t)) })
	t.Run("SwapConflict", func(t *testing.T) { testSwapConflict(t, newStore(t)) })
	t.Run("SwapIllegalTransition", func(t *testing.T) { testSwapIllegal(t, newStore(t)) })
	t.Run("SwapWriteOnce", func(t *testing.T) { testSwapWriteOnce(t, newStore(t)) })
	t.Run("SwapIdentityFieldsPreserved", func(t *testing.T) { testSwapIdentity(t, newStore(t)) })
	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) { testConcurrentSwap(t, newStore(t)) })
	t.Run("ListTasksOrderAndFilter", func(t *testing.T) { testListTasks(t, newStore(t)) })
	t.Run("EventsAppendAndOrder", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("EventsFilter", func(t *testing.T) { testEventFilters(t, newStore(t)) })
}

// NewTask builds a pending task with a fresh id created at createdAt.
func NewTask(requester, action string, createdAt time.Time) model.Task {
	return model.Task{
		ID:               uuid.New(),
		RequesterID:      requester,
		Title:            "run " + action,
		Description:      "test task",
		Action:           action,
		Parameters:       map[string]any{"amount": float64(42), "currency": "USD"},
		RequiresApproval: true,
		Status:           model.TaskStatusPending,
		CreatedAt:        createdAt.UTC().Truncate(time.Microsecond),
	}
}

func ptr[T any](v T) *T { return &v }

func testPutGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "alice", got.RequesterID)
	assert.Equal(t, "payments.capture", got.Action)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Equal(t, "USD", got.Parameters["currency"])
	assert.Equal(t, float64(42), got.Parameters["amount"])
	assert.True(t, got.CreatedAt.Equal(task.CreatedAt))
	assert.Nil(t, got.ReviewerID)
	assert.Nil(t, got.ExecutedAt)
}

func testPutDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "system.echo", time.Now())
	require.NoError(t, s.PutTask(ctx, task))
	err := s.PutTask(ctx, task)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.CompareAndSwapStatus(context.Background(), uuid.New(),
		model.TaskStatusPending, model.TaskStatusApproved, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSwapLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	approved, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusApproved,
		func(t *model.Task) {
			t.ReviewerID = ptr("bob")
			t.ReviewNotes = ptr("looks fine")
			t.DecidedAt = ptr(time.Now().UTC())
		})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusApproved, approved.Status)
	assert.Equal(t, "bob", *approved.ReviewerID)

	_, err = s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusApproved, model.TaskStatusExecuting,
		func(t *model.Task) {
			t.StartedAt = ptr(time.Now().UTC())
			t.ExecutedBy = ptr("alice")
		})
	require.NoError(t, err)

	done, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusExecuting, model.TaskStatusExecuted,
		func(t *model.Task) {
			t.ExecutedAt = ptr(time.Now().UTC())
			t.Result = map[string]any{"capture_id": "cap_1"}
		})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusExecuted, done.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusExecuted, got.Status)
	assert.Equal(t, "bob", *got.ReviewerID)
	assert.Equal(t, "looks fine", *got.ReviewNotes)
	assert.Equal(t, "alice", *got.ExecutedBy)
	assert.Equal(t, "cap_1", got.Result["capture_id"])
	require.NotNil(t, got.DecidedAt)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.ExecutedAt)
	assert.False(t, got.DecidedAt.Before(got.CreatedAt))
	assert.False(t, got.StartedAt.Before(*got.DecidedAt))
	assert.False(t, got.ExecutedAt.Before(*got.StartedAt))
}

func testSwapConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	_, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusApproved, model.TaskStatusExecuting, nil)
	var conflict *storage.ConflictError
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)
	assert.Equal(t, model.TaskStatusApproved, conflict.Expected)
	assert.Equal(t, model.TaskStatusPending, conflict.Actual)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
}

func testSwapIllegal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	_, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusExecuted, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
}

func testSwapWriteOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))
	_, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusApproved,
		func(t *model.Task) {
			t.ReviewerID = ptr("bob")
			t.DecidedAt = ptr(time.Now().UTC())
		})
	require.NoError(t, err)

	_, err = s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusApproved, model.TaskStatusExecuting,
		func(t *model.Task) { t.ReviewerID = ptr("mallory") })
	assert.ErrorIs(t, err, storage.ErrWriteOnce)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusApproved, got.Status)
	assert.Equal(t, "bob", *got.ReviewerID)
}

func testSwapIdentity(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	updated, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusRejected,
		func(t *model.Task) {
			t.Action = "system.echo"
			t.RequesterID = "mallory"
			t.RejectionReason = ptr("no")
		})
	require.NoError(t, err)
	assert.Equal(t, "payments.capture", updated.Action)
	assert.Equal(t, "alice", updated.RequesterID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "payments.capture", got.Action)
	assert.Equal(t, "no", *got.RejectionReason)
}

func testConcurrentSwap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := NewTask("alice", "payments.capture", time.Now())
	task.Status = model.TaskStatusApproved
	task.ReviewerID = ptr("bob")
	require.NoError(t, s.PutTask(ctx, task))

	const racers = 16
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusApproved, model.TaskStatusExecuting,
				func(t *model.Task) { t.StartedAt = ptr(time.Now().UTC()) })
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(racers-1), conflicts.Load())
}

func testListTasks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Inserted out of chronological order; two share a timestamp.
	third := NewTask("alice", "payments.capture", base.Add(2*time.Minute))
	first := NewTask("bob", "credentials.rotate", base)
	secondA := NewTask("alice", "system.echo", base.Add(time.Minute))
	secondB := NewTask("carol", "system.echo", base.Add(time.Minute))
	for _, task := range []model.Task{third, first, secondA, secondB} {
		require.NoError(t, s.PutTask(ctx, task))
	}
	_, err := s.CompareAndSwapStatus(ctx, third.ID, model.TaskStatusPending, model.TaskStatusRejected,
		func(t *model.Task) { t.RejectionReason = ptr("no") })
	require.NoError(t, err)

	pending := model.TaskStatusPending
	got, err := s.ListTasks(ctx, model.TaskFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, secondA.ID, got[1].ID, "ties broken by insertion order")
	assert.Equal(t, secondB.ID, got[2].ID)

	got, err = s.ListTasks(ctx, model.TaskFilter{RequesterID: ptr("alice")})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListTasks(ctx, model.TaskFilter{Action: ptr("system.echo"), Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, secondB.ID, got[0].ID)
}

func newEvent(typ model.EventType, sev model.Severity, at time.Time, taskID *uuid.UUID) model.SecurityEvent {
	return model.SecurityEvent{
		ID:            uuid.New(),
		CreatedAt:     at.UTC().Truncate(time.Microsecond),
		EventType:     typ,
		Severity:      sev,
		Description:   string(typ),
		RelatedTaskID: taskID,
		ActorID:       "alice",
		Details:       map[string]any{"k": "v"},
		ContentHash:   "hash-" + string(typ),
	}
}

func testEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	taskID := uuid.New()

	a, err := s.AppendEvent(ctx, newEvent(model.EventTaskCreated, model.SeverityInfo, now, &taskID))
	require.NoError(t, err)
	b, err := s.AppendEvent(ctx, newEvent(model.EventTaskApproved, model.SeverityInfo, now, &taskID))
	require.NoError(t, err)
	c, err := s.AppendEvent(ctx, newEvent(model.EventTaskExecuted, model.SeverityInfo, now.Add(time.Second), &taskID))
	require.NoError(t, err)
	assert.Less(t, a.Seq, b.Seq)
	assert.Less(t, b.Seq, c.Seq)

	newest, err := s.ListEvents(ctx, model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID}, []uuid.UUID{newest[0].ID, newest[1].ID, newest[2].ID})

	oldest, err := s.ListEvents(ctx, model.EventFilter{Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, []uuid.UUID{oldest[0].ID, oldest[1].ID, oldest[2].ID})

	got, err := s.GetEvent(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventTaskApproved, got.EventType)
	assert.Equal(t, "v", got.Details["k"])
	assert.Equal(t, taskID, *got.RelatedTaskID)
	assert.Equal(t, b.ContentHash, got.ContentHash)

	// Reading twice yields identical records.
	again, err := s.GetEvent(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = s.AppendEvent(ctx, a)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func testEventFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now()
	taskA, taskB := uuid.New(), uuid.New()
	for _, e := range []model.SecurityEvent{
		newEvent(model.EventTaskCreated, model.SeverityInfo, now.Add(-3*time.Minute), &taskA),
		newEvent(model.EventTaskExecutionFailed, model.SeverityWarning, now.Add(-2*time.Minute), &taskA),
		newEvent(model.EventUnknownAction, model.SeverityCritical, now.Add(-time.Minute), &taskB),
		newEvent(model.EventAnomalyDetected, model.SeverityCritical, now, nil),
	} {
		_, err := s.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	warn := model.SeverityWarning
	got, err := s.ListEvents(ctx, model.EventFilter{MinSeverity: &warn})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	crit := model.SeverityCritical
	got, err = s.ListEvents(ctx, model.EventFilter{Severity: &crit, TaskID: &taskB})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventUnknownAction, got[0].EventType)

	typ := model.EventTaskCreated
	got, err = s.ListEvents(ctx, model.EventFilter{EventType: &typ})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	since := now.Add(-90 * time.Second)
	got, err = s.ListEvents(ctx, model.EventFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListEvents(ctx, model.EventFilter{Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
