package gate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/storage/memstore"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

type taskRecorder struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (r *taskRecorder) ObserveTask(t model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

type harness struct {
	gate     *Gate
	store    *memstore.Store
	events   *eventlog.Log
	observed *taskRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memstore.New()
	events := eventlog.New(store, testLogger)
	policy, err := NewPolicy(true, []string{"system.*"}, []string{"payments.*"})
	require.NoError(t, err)
	rec := &taskRecorder{}
	cfg.Observer = rec
	return &harness{
		gate:     New(store, events, policy, testLogger, cfg),
		store:    store,
		events:   events,
		observed: rec,
	}
}

func (h *harness) create(t *testing.T, requester, action string) model.Task {
	t.Helper()
	task, err := h.gate.Create(context.Background(), CreateInput{
		RequesterID: requester,
		Title:       "Do " + action,
		Action:      action,
		Parameters:  map[string]any{"amount": 10},
	})
	require.NoError(t, err)
	return task
}

func (h *harness) eventTypes(t *testing.T, taskID uuid.UUID) []model.EventType {
	t.Helper()
	events, err := h.events.Export(context.Background(), model.EventFilter{TaskID: &taskID})
	require.NoError(t, err)
	out := make([]model.EventType, len(events.Events))
	for i, e := range events.Events {
		out[i] = e.EventType
	}
	return out
}

func TestCreateUsesPolicy(t *testing.T) {
	h := newHarness(t, Config{})

	reviewed := h.create(t, "agent-1", "payments.capture")
	assert.Equal(t, model.TaskStatusPending, reviewed.Status)
	assert.True(t, reviewed.RequiresApproval)

	auto := h.create(t, "agent-1", "system.echo")
	assert.Equal(t, model.TaskStatusApproved, auto.Status)
	assert.False(t, auto.RequiresApproval)
	assert.Nil(t, auto.ReviewerID)

	events, err := h.events.List(context.Background(), model.EventFilter{TaskID: &reviewed.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTaskCreated, events[0].EventType)
	assert.Equal(t, model.SeverityInfo, events[0].Severity)
	assert.Equal(t, "agent-1", events[0].ActorID)
	assert.Equal(t, RuleRequireApproval, events[0].Details["policy_rule"])

	assert.Len(t, h.observed.tasks, 2)
}

func TestCreateExplicitRequiresApproval(t *testing.T) {
	h := newHarness(t, Config{})
	yes := true
	task, err := h.gate.Create(context.Background(), CreateInput{
		RequesterID: "agent-1", Title: "echo", Action: "system.echo", RequiresApproval: &yes,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	huge := map[string]any{"blob": strings.Repeat("x", model.MaxParametersSize)}
	cases := map[string]CreateInput{
		"no requester":    {Title: "x", Action: "system.echo"},
		"no title":        {RequesterID: "a", Title: "   ", Action: "system.echo"},
		"long title":      {RequesterID: "a", Title: strings.Repeat("t", model.MaxTitleLen+1), Action: "system.echo"},
		"bad action":      {RequesterID: "a", Title: "x", Action: "System Echo"},
		"no action":       {RequesterID: "a", Title: "x"},
		"bad parameters":  {RequesterID: "a", Title: "x", Action: "system.echo", Parameters: map[string]any{"ch": make(chan int)}},
		"huge parameters": {RequesterID: "a", Title: "x", Action: "system.echo", Parameters: huge},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.gate.Create(ctx, in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	tasks, err := h.store.ListTasks(ctx, model.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "validation failures write nothing")
}

func TestApprove(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "agent-1", "payments.capture")

	notes := "within limits"
	approved, err := h.gate.Approve(ctx, task.ID, "R1", &notes)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusApproved, approved.Status)
	assert.Equal(t, "R1", *approved.ReviewerID)
	assert.Equal(t, "within limits", *approved.ReviewNotes)
	require.NotNil(t, approved.DecidedAt)
	assert.False(t, approved.DecidedAt.Before(approved.CreatedAt))

	assert.Equal(t, []model.EventType{model.EventTaskCreated, model.EventTaskApproved}, h.eventTypes(t, task.ID))
}

func TestApproveNotPending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "agent-1", "payments.capture")
	_, err := h.gate.Approve(ctx, task.ID, "R1", nil)
	require.NoError(t, err)

	_, err = h.gate.Approve(ctx, task.ID, "R2", nil)
	var serr *StateError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, model.TaskStatusApproved, serr.Status)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "nothing to approve")

	got, err := h.gate.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "R1", *got.ReviewerID)
}

func TestApproveMissing(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.gate.Approve(context.Background(), uuid.New(), "R1", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectRequiresReason(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "agent-1", "payments.capture")

	for _, reason := range []string{"", "   \t"} {
		_, err := h.gate.Reject(ctx, task.ID, "R1", reason)
		assert.ErrorIs(t, err, ErrValidation)
	}

	got, err := h.gate.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Nil(t, got.ReviewerID)
	assert.Equal(t, []model.EventType{model.EventTaskCreated}, h.eventTypes(t, task.ID))
}

func TestReject(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "agent-1", "payments.capture")

	rejected, err := h.gate.Reject(ctx, task.ID, "R1", "policy violation")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRejected, rejected.Status)
	assert.Equal(t, "policy violation", *rejected.RejectionReason)
	assert.Equal(t, "R1", *rejected.ReviewerID)

	_, err = h.gate.Approve(ctx, task.ID, "R2", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.gate.Reject(ctx, task.ID, "R2", "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSelfReview(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "alice", "payments.capture")

	_, err := h.gate.Approve(ctx, task.ID, "alice", nil)
	assert.ErrorIs(t, err, ErrSelfReview)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))
	_, err = h.gate.Reject(ctx, task.ID, "alice", "changed my mind")
	assert.ErrorIs(t, err, ErrSelfReview)
	assert.Equal(t, []model.EventType{model.EventTaskCreated, model.EventAccessDenied, model.EventAccessDenied}, h.eventTypes(t, task.ID))

	got, err := h.gate.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)

	allowed := newHarness(t, Config{AllowSelfApproval: true})
	task = allowed.create(t, "alice", "payments.capture")
	_, err = allowed.gate.Approve(ctx, task.ID, "alice", nil)
	assert.NoError(t, err)
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	task := h.create(t, "agent-1", "payments.capture")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.gate.Approve(ctx, task.ID, "R1", nil)
			} else {
				_, err = h.gate.Reject(ctx, task.ID, "R2", "no")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrConflict), errors.Is(err, ErrInvalidState):
				lost++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, lost)
}

func TestListPendingFIFOAndScope(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first := h.create(t, "alice", "payments.capture")
	second := h.create(t, "bob", "payments.refund")
	h.create(t, "alice", "system.echo") // auto-approved, never pending
	third := h.create(t, "alice", "payments.capture")
	_, err := h.gate.Reject(ctx, third.ID, "R1", "duplicate")
	require.NoError(t, err)

	all, err := h.gate.ListPending(ctx, Scope{All: true}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	mine, err := h.gate.ListPending(ctx, Scope{PrincipalID: "bob"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, second.ID, mine[0].ID)
}
