package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage/storagetest"
)

func putExecuting(t *testing.T, h *harness, startedAt time.Time) model.Task {
	t.Helper()
	task := storagetest.NewTask("alice", "payments.refund", startedAt.Add(-time.Minute))
	task.Status = model.TaskStatusExecuting
	reviewer := "bob"
	task.ReviewerID = &reviewer
	started := startedAt.UTC()
	task.StartedAt = &started
	require.NoError(t, h.store.PutTask(context.Background(), task))
	return task
}

func TestSweeperReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	stuck := putExecuting(t, h, now.Add(-time.Hour))
	running := putExecuting(t, h, now.Add(-time.Second))

	s := NewSweeper(h.store, h.events, testLogger, SweeperConfig{Grace: 10 * time.Minute})
	n, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, model.FailureReconciliationTimeout, *got.FailureReason)
	assert.NotNil(t, got.ExecutedAt)

	got, err = h.store.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusExecuting, got.Status)

	events := h.eventsFor(t, stuck.ID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTaskExecutionAbandoned, events[0].EventType)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)

	// The executor is never invoked by reconciliation.
	assert.Zero(t, h.calls.Load())

	n, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperReconcilePaginates(t *testing.T) {
	h := newHarness(t)
	old := time.Now().Add(-time.Hour)
	for range sweepBatch + 5 {
		putExecuting(t, h, old)
	}
	s := NewSweeper(h.store, h.events, testLogger, SweeperConfig{Grace: time.Minute})
	n, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweepBatch+5, n)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	stuck := putExecuting(t, h, time.Now().Add(-time.Hour))
	s := NewSweeper(h.store, h.events, testLogger, SweeperConfig{Grace: time.Minute, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.store.GetTask(context.Background(), stuck.ID)
		return err == nil && got.Status == model.TaskStatusFailed
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
