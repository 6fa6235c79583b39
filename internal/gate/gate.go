// Package gate implements the approval state machine: tasks are created,
// held for review when policy requires it, and approved or rejected by a
// reviewer. Execution lives in the dispatch package.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// TaskObserver is notified after every task write. ObserveTask must return
// promptly; the anomaly runner queues and returns.
type TaskObserver interface {
	ObserveTask(t model.Task)
}

// Config tunes gate behavior.
type Config struct {
	// AllowSelfApproval lets a reviewer decide a task they requested.
	AllowSelfApproval bool
	Observer          TaskObserver
}

// Gate owns task creation and review decisions.
type Gate struct {
	store  storage.TaskStore
	events *eventlog.Log
	policy *Policy
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	tracer      trace.Tracer
	created     metric.Int64Counter
	transitions metric.Int64Counter
}

// New creates a Gate. A nil policy reviews everything.
func New(store storage.TaskStore, events *eventlog.Log, policy *Policy, logger *slog.Logger, cfg Config) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	meter := telemetry.Meter("sekimon/gate")
	created, _ := meter.Int64Counter("sekimon.tasks.created",
		metric.WithDescription("Tasks created, by action and initial status"))
	transitions, _ := meter.Int64Counter("sekimon.tasks.transitions",
		metric.WithDescription("Task status transitions"))
	return &Gate{
		store:       store,
		events:      events,
		policy:      policy,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		tracer:      telemetry.Tracer("sekimon/gate"),
		created:     created,
		transitions: transitions,
	}
}

// Policy returns the approval policy table.
func (g *Gate) Policy() *Policy { return g.policy }

// CreateInput describes a requested action.
type CreateInput struct {
	RequesterID      string
	Title            string
	Description      string
	Action           string
	Parameters       map[string]any
	RequiresApproval *bool
}

// Create validates the request, decides whether it needs review and stores
// the task as pending (review) or approved (no review).
func (g *Gate) Create(ctx context.Context, in CreateInput) (model.Task, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Create")
	defer span.End()

	if err := validateCreate(in); err != nil {
		return model.Task{}, err
	}

	decision := g.policy.Resolve(in.Action, in.RequiresApproval)
	status := model.TaskStatusApproved
	if decision.RequiresApproval {
		status = model.TaskStatusPending
	}
	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}
	task := model.Task{
		ID:               uuid.New(),
		RequesterID:      in.RequesterID,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		Action:           in.Action,
		Parameters:       params,
		RequiresApproval: decision.RequiresApproval,
		Status:           status,
		CreatedAt:        g.now().UTC().Truncate(time.Microsecond),
	}
	span.SetAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.action", task.Action),
		attribute.Bool("task.requires_approval", task.RequiresApproval),
	)

	if err := g.store.PutTask(ctx, task); err != nil {
		return model.Task{}, fmt.Errorf("gate: create task: %w", err)
	}
	g.created.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", task.Action),
		attribute.String("status", string(status)),
	))

	details := map[string]any{
		"action":            task.Action,
		"requires_approval": task.RequiresApproval,
		"policy_rule":       decision.Rule,
	}
	if decision.Pattern != "" {
		details["policy_pattern"] = decision.Pattern
	}
	g.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskCreated,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("task %q created for action %s (%s)", task.Title, task.Action, status),
		TaskID:      &task.ID,
		ActorID:     task.RequesterID,
		Details:     details,
	})
	g.observe(task)

	g.logger.Info("task created",
		"task_id", task.ID,
		"action", task.Action,
		"requester_id", task.RequesterID,
		"status", status,
		"policy_rule", decision.Rule)
	return task, nil
}

// Approve moves a pending task to approved on behalf of reviewerID.
func (g *Gate) Approve(ctx context.Context, taskID uuid.UUID, reviewerID string, notes *string) (model.Task, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Approve", trace.WithAttributes(attribute.String("task.id", taskID.String())))
	defer span.End()

	if strings.TrimSpace(reviewerID) == "" {
		return model.Task{}, invalid("reviewer_id", "is required")
	}
	if notes != nil && len(*notes) > model.MaxNotesLen {
		return model.Task{}, invalid("notes", "exceeds maximum length of %d bytes", model.MaxNotesLen)
	}

	task, err := g.loadForReview(ctx, taskID, reviewerID, "approve")
	if err != nil {
		return model.Task{}, err
	}

	decidedAt := g.now().UTC()
	updated, err := g.store.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusApproved,
		func(t *model.Task) {
			t.ReviewerID = &reviewerID
			if notes != nil && strings.TrimSpace(*notes) != "" {
				n := *notes
				t.ReviewNotes = &n
			}
			t.DecidedAt = &decidedAt
		})
	if err != nil {
		return model.Task{}, fmt.Errorf("gate: approve task %s: %w", taskID, err)
	}
	g.recordTransition(ctx, model.TaskStatusPending, model.TaskStatusApproved)

	g.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskApproved,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("task %s approved by %s", updated.ID, reviewerID),
		TaskID:      &updated.ID,
		ActorID:     reviewerID,
		Details:     map[string]any{"action": updated.Action, "requester_id": updated.RequesterID},
	})
	g.observe(updated)
	g.logger.Info("task approved", "task_id", updated.ID, "reviewer_id", reviewerID)
	return updated, nil
}

// Reject moves a pending task to rejected. A reason is mandatory.
func (g *Gate) Reject(ctx context.Context, taskID uuid.UUID, reviewerID, reason string) (model.Task, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Reject", trace.WithAttributes(attribute.String("task.id", taskID.String())))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Task{}, invalid("reason", "is required")
	}
	if len(reason) > model.MaxNotesLen {
		return model.Task{}, invalid("reason", "exceeds maximum length of %d bytes", model.MaxNotesLen)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return model.Task{}, invalid("reviewer_id", "is required")
	}

	task, err := g.loadForReview(ctx, taskID, reviewerID, "reject")
	if err != nil {
		return model.Task{}, err
	}

	decidedAt := g.now().UTC()
	updated, err := g.store.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusPending, model.TaskStatusRejected,
		func(t *model.Task) {
			t.ReviewerID = &reviewerID
			t.RejectionReason = &reason
			t.DecidedAt = &decidedAt
		})
	if err != nil {
		return model.Task{}, fmt.Errorf("gate: reject task %s: %w", taskID, err)
	}
	g.recordTransition(ctx, model.TaskStatusPending, model.TaskStatusRejected)

	g.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskRejected,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("task %s rejected by %s: %s", updated.ID, reviewerID, reason),
		TaskID:      &updated.ID,
		ActorID:     reviewerID,
		Details:     map[string]any{"action": updated.Action, "requester_id": updated.RequesterID, "reason": reason},
	})
	g.observe(updated)
	g.logger.Info("task rejected", "task_id", updated.ID, "reviewer_id", reviewerID)
	return updated, nil
}

// loadForReview fetches a task and checks it can be decided by reviewerID.
func (g *Gate) loadForReview(ctx context.Context, taskID uuid.UUID, reviewerID, op string) (model.Task, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, fmt.Errorf("gate: %s task %s: %w", op, taskID, err)
	}
	if task.Status != model.TaskStatusPending {
		return model.Task{}, &StateError{TaskID: task.ID, Op: op, Status: task.Status}
	}
	if !g.cfg.AllowSelfApproval && task.RequesterID == reviewerID {
		g.emit(ctx, eventlog.Input{
			EventType:   model.EventAccessDenied,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("%s attempted to %s their own task", reviewerID, op),
			TaskID:      &task.ID,
			ActorID:     reviewerID,
		})
		return model.Task{}, fmt.Errorf("%w: task %s", ErrSelfReview, task.ID)
	}
	return task, nil
}

// Scope limits which pending tasks a caller sees.
type Scope struct {
	PrincipalID string
	// All lifts the restriction to the principal's own requests (reviewers).
	All bool
}

// ListPending returns pending tasks oldest first so reviewers work a FIFO queue.
func (g *Gate) ListPending(ctx context.Context, scope Scope, limit, offset int) ([]model.Task, error) {
	status := model.TaskStatusPending
	f := model.TaskFilter{Status: &status, Limit: limit, Offset: offset}
	if !scope.All {
		f.RequesterID = &scope.PrincipalID
	}
	tasks, err := g.store.ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("gate: list pending: %w", err)
	}
	return tasks, nil
}

// Get returns a task by id.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := g.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("gate: get task: %w", err)
	}
	return t, nil
}

// List returns tasks matching f, oldest first.
func (g *Gate) List(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	tasks, err := g.store.ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("gate: list tasks: %w", err)
	}
	return tasks, nil
}

func (g *Gate) emit(ctx context.Context, in eventlog.Input) {
	// Record logs and counts its own failures; the committed transition stands.
	_, _ = g.events.Record(ctx, in)
}

func (g *Gate) observe(t model.Task) {
	if g.cfg.Observer != nil {
		g.cfg.Observer.ObserveTask(t)
	}
}

func (g *Gate) recordTransition(ctx context.Context, from, to model.TaskStatus) {
	g.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func validateCreate(in CreateInput) error {
	if strings.TrimSpace(in.RequesterID) == "" {
		return invalid("requester_id", "is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return invalid("title", "is required")
	}
	if utf8.RuneCountInString(title) > model.MaxTitleLen {
		return invalid("title", "exceeds maximum length of %d characters", model.MaxTitleLen)
	}
	if len(in.Description) > model.MaxDescriptionLen {
		return invalid("description", "exceeds maximum length of %d bytes", model.MaxDescriptionLen)
	}
	if err := model.ValidateActionName(in.Action); err != nil {
		return invalid("action", "%s", err.Error())
	}
	encoded, err := json.Marshal(in.Parameters)
	if err != nil {
		return invalid("parameters", "malformed parameters: %s", err.Error())
	}
	if len(encoded) > model.MaxParametersSize {
		return invalid("parameters", "exceed maximum size of %d bytes", model.MaxParametersSize)
	}
	return nil
}
