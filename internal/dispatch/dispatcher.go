package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

var (
	// ErrUnknownAction means the task's action has no registered executor.
	ErrUnknownAction = errors.New("dispatch: unknown action")
	// ErrExecutionFailed means the executor returned an error or panicked.
	ErrExecutionFailed = errors.New("dispatch: execution failed")
	// ErrTimeout means the executor did not return within the timeout.
	ErrTimeout = errors.New("dispatch: executor timed out")
	// ErrApprovalBypass means an approved task that required review carries
	// no reviewer. Execution is refused and a critical event recorded.
	ErrApprovalBypass = errors.New("dispatch: task was not reviewed")
)

// ExecutionError reports a task that reached failed during Execute. Task is
// the stored terminal state.
type ExecutionError struct {
	Task model.Task
	Err  error
}

func (e *ExecutionError) Error() string {
	reason := ""
	if e.Task.FailureReason != nil {
		reason = *e.Task.FailureReason
	}
	return fmt.Sprintf("%v: task %s: %s", e.Err, e.Task.ID, reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Config tunes the dispatcher.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Observer       gate.TaskObserver
}

// Dispatcher executes approved tasks.
type Dispatcher struct {
	store    storage.TaskStore
	events   *eventlog.Log
	registry *Registry
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	tracer      trace.Tracer
	duration    metric.Float64Histogram
	transitions metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store storage.TaskStore, events *eventlog.Log, registry *Registry, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	meter := telemetry.Meter("sekimon/dispatch")
	duration, _ := meter.Float64Histogram("sekimon.execute.duration",
		metric.WithDescription("Executor wall time"),
		metric.WithUnit("ms"))
	transitions, _ := meter.Int64Counter("sekimon.tasks.transitions",
		metric.WithDescription("Task status transitions"))
	return &Dispatcher{
		store:       store,
		events:      events,
		registry:    registry,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		tracer:      telemetry.Tracer("sekimon/dispatch"),
		duration:    duration,
		transitions: transitions,
	}
}

// Registry returns the executor registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Execute runs an approved task's executor exactly once.
//
// The approved -> executing compare-and-swap is the at-most-once guarantee:
// of any number of concurrent callers, one wins and the rest receive a
// storage.ConflictError, whether they lose the swap itself or arrive after
// the task has moved past approved. Pending and rejected tasks yield a
// gate.StateError. Once executing, the task always reaches executed or
// failed; the caller's cancellation does not abort the executor, only the
// timeout does. A timeout of zero uses the configured default.
func (d *Dispatcher) Execute(ctx context.Context, taskID uuid.UUID, invokerID string, timeout time.Duration) (model.Task, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Execute", trace.WithAttributes(attribute.String("task.id", taskID.String())))
	defer span.End()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, fmt.Errorf("dispatch: execute task %s: %w", taskID, err)
	}
	span.SetAttributes(attribute.String("task.action", task.Action))

	switch task.Status {
	case model.TaskStatusApproved:
	case model.TaskStatusExecuting, model.TaskStatusExecuted, model.TaskStatusFailed:
		return model.Task{}, fmt.Errorf("dispatch: execute task %s: %w", task.ID,
			&storage.ConflictError{TaskID: task.ID, Expected: model.TaskStatusApproved, Actual: task.Status})
	default:
		if task.Status == model.TaskStatusPending {
			d.emit(ctx, eventlog.Input{
				EventType:   model.EventApprovalBypassAttempt,
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("%s tried to execute task %s before review", invokerID, task.ID),
				TaskID:      &task.ID,
				ActorID:     invokerID,
				Details:     map[string]any{"action": task.Action},
			})
		}
		return model.Task{}, &gate.StateError{TaskID: task.ID, Op: "execute", Status: task.Status}
	}
	if task.RequiresApproval && task.ReviewerID == nil {
		d.emit(ctx, eventlog.Input{
			EventType:   model.EventApprovalBypassAttempt,
			Severity:    model.SeverityCritical,
			Description: fmt.Sprintf("task %s is approved without a reviewer; execution refused", task.ID),
			TaskID:      &task.ID,
			ActorID:     invokerID,
			Details:     map[string]any{"action": task.Action},
		})
		return model.Task{}, fmt.Errorf("%w: task %s", ErrApprovalBypass, task.ID)
	}

	startedAt := d.now().UTC()
	running, err := d.store.CompareAndSwapStatus(ctx, task.ID, model.TaskStatusApproved, model.TaskStatusExecuting,
		func(t *model.Task) {
			t.StartedAt = &startedAt
			t.ExecutedBy = &invokerID
		})
	if err != nil {
		return model.Task{}, fmt.Errorf("dispatch: start task %s: %w", task.ID, err)
	}
	d.recordTransition(ctx, model.TaskStatusApproved, model.TaskStatusExecuting)
	d.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskExecutionStarted,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("execution of %s started by %s", running.Action, invokerID),
		TaskID:      &running.ID,
		ActorID:     invokerID,
	})
	d.observe(running)

	// From here on the task must reach a terminal status even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)

	fn, ok := d.registry.Lookup(running.Action)
	if !ok {
		failed, err := d.finishFailed(ctx, running, model.FailureUnknownAction)
		if err != nil {
			return model.Task{}, err
		}
		d.emit(ctx, eventlog.Input{
			EventType:   model.EventUnknownAction,
			Severity:    model.SeverityCritical,
			Description: fmt.Sprintf("approved task %s names action %q which has no executor", failed.ID, failed.Action),
			TaskID:      &failed.ID,
			ActorID:     invokerID,
			Details:     map[string]any{"action": failed.Action, "registered_actions": d.registry.Actions()},
		})
		span.SetStatus(codes.Error, "unknown action")
		d.logger.Error("dispatch: unknown action", "task_id", failed.ID, "action", failed.Action)
		return failed, &ExecutionError{Task: failed, Err: ErrUnknownAction}
	}

	result, runErr := d.invoke(ctx, fn, running, d.resolveTimeout(timeout))
	if runErr == nil {
		return d.finishExecuted(ctx, running, result, invokerID)
	}

	reason := summarize(runErr.Error())
	sentinel := ErrExecutionFailed
	if errors.Is(runErr, ErrTimeout) {
		reason = model.FailureTimeout
		sentinel = ErrTimeout
	}
	failed, err := d.finishFailed(ctx, running, reason)
	if err != nil {
		return model.Task{}, err
	}
	d.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskExecutionFailed,
		Severity:    model.SeverityWarning,
		Description: fmt.Sprintf("execution of %s failed: %s", failed.Action, reason),
		TaskID:      &failed.ID,
		ActorID:     invokerID,
		Details:     map[string]any{"action": failed.Action, "reason": reason},
	})
	span.SetStatus(codes.Error, reason)
	d.logger.Warn("dispatch: execution failed", "task_id", failed.ID, "action", failed.Action, "reason", reason)
	return failed, &ExecutionError{Task: failed, Err: sentinel}
}

// invoke calls fn once, bounded by timeout. A panic is converted to an
// error. If the timeout fires first the executor's eventual return value is
// discarded.
func (d *Dispatcher) invoke(ctx context.Context, fn Executor, task model.Task, timeout time.Duration) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := fn(runCtx, task.Clone().Parameters)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		o = outcome{err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	}
	d.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("action", task.Action),
		attribute.Bool("success", o.err == nil),
	))
	return o.result, o.err
}

func (d *Dispatcher) finishExecuted(ctx context.Context, running model.Task, result map[string]any, invokerID string) (model.Task, error) {
	executedAt := d.now().UTC()
	done, err := d.store.CompareAndSwapStatus(ctx, running.ID, model.TaskStatusExecuting, model.TaskStatusExecuted,
		func(t *model.Task) {
			t.ExecutedAt = &executedAt
			t.Result = result
		})
	if err != nil {
		d.logger.Error("dispatch: could not record successful execution", "task_id", running.ID, "error", err)
		return model.Task{}, fmt.Errorf("dispatch: finish task %s: %w", running.ID, err)
	}
	d.recordTransition(ctx, model.TaskStatusExecuting, model.TaskStatusExecuted)
	d.emit(ctx, eventlog.Input{
		EventType:   model.EventTaskExecuted,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("task %s executed (%s)", done.ID, done.Action),
		TaskID:      &done.ID,
		ActorID:     invokerID,
		Details:     map[string]any{"action": done.Action},
	})
	d.observe(done)
	d.logger.Info("task executed", "task_id", done.ID, "action", done.Action)
	return done, nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, running model.Task, reason string) (model.Task, error) {
	executedAt := d.now().UTC()
	failed, err := d.store.CompareAndSwapStatus(ctx, running.ID, model.TaskStatusExecuting, model.TaskStatusFailed,
		func(t *model.Task) {
			t.ExecutedAt = &executedAt
			t.FailureReason = &reason
		})
	if err != nil {
		d.logger.Error("dispatch: could not record failed execution", "task_id", running.ID, "reason", reason, "error", err)
		return model.Task{}, fmt.Errorf("dispatch: fail task %s: %w", running.ID, err)
	}
	d.recordTransition(ctx, model.TaskStatusExecuting, model.TaskStatusFailed)
	d.observe(failed)
	return failed, nil
}

func (d *Dispatcher) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return d.cfg.DefaultTimeout
	}
	return min(timeout, d.cfg.MaxTimeout)
}

func (d *Dispatcher) emit(ctx context.Context, in eventlog.Input) {
	_, _ = d.events.Record(ctx, in)
}

func (d *Dispatcher) observe(t model.Task) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.ObserveTask(t)
	}
}

func (d *Dispatcher) recordTransition(ctx context.Context, from, to model.TaskStatus) {
	d.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// summarize bounds an executor error for storage on the task.
func summarize(msg string) string {
	if msg == "" {
		return "executor returned an empty error"
	}
	if len(msg) <= model.MaxFailureLen {
		return msg
	}
	cut := model.MaxFailureLen - len("...")
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
