package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// sweepBatch is the page size used when scanning for stuck tasks.
const sweepBatch = 100

// SweeperConfig tunes the reconciliation sweeper.
type SweeperConfig struct {
	// Grace is how long a task may sit in executing before it is presumed
	// abandoned. It must exceed the dispatcher's maximum timeout.
	Grace    time.Duration
	Interval time.Duration
	Observer gate.TaskObserver
}

// Sweeper moves tasks stuck in executing (the process died mid-run) to
// failed. The executor is never re-invoked: a task that may have run is
// not run again.
type Sweeper struct {
	store  storage.TaskStore
	events *eventlog.Log
	logger *slog.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store storage.TaskStore, events *eventlog.Log, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{store: store, events: events, logger: logger, cfg: cfg, now: time.Now}
}

// Reconcile fails every executing task that started more than Grace ago and
// returns how many it moved.
func (s *Sweeper) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Grace)
	status := model.TaskStatusExecuting
	swept, offset := 0, 0
	for {
		tasks, err := s.store.ListTasks(ctx, model.TaskFilter{
			Status:        &status,
			StartedBefore: &cutoff,
			Limit:         sweepBatch,
			Offset:        offset,
		})
		if err != nil {
			return swept, fmt.Errorf("dispatch: reconcile: list executing: %w", err)
		}
		for _, t := range tasks {
			if err := s.abandon(ctx, t); err != nil {
				if !errors.Is(err, storage.ErrConflict) {
					s.logger.Error("dispatch: reconcile: could not fail stuck task", "task_id", t.ID, "error", err)
					// Still executing; skip it on the next page.
					offset++
				}
				continue
			}
			swept++
		}
		if len(tasks) < sweepBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			return swept, err
		}
	}
	if swept > 0 {
		s.logger.Warn("dispatch: reconciled abandoned executions", "count", swept, "grace", s.cfg.Grace)
	}
	return swept, nil
}

func (s *Sweeper) abandon(ctx context.Context, t model.Task) error {
	now := s.now().UTC()
	reason := model.FailureReconciliationTimeout
	failed, err := s.store.CompareAndSwapStatus(ctx, t.ID, model.TaskStatusExecuting, model.TaskStatusFailed,
		func(task *model.Task) {
			task.ExecutedAt = &now
			task.FailureReason = &reason
		})
	if err != nil {
		return err
	}
	details := map[string]any{"action": failed.Action, "grace_seconds": int(s.cfg.Grace.Seconds())}
	if failed.StartedAt != nil {
		details["started_at"] = failed.StartedAt.Format(time.RFC3339Nano)
	}
	_, _ = s.events.Record(ctx, eventlog.Input{
		EventType:   model.EventTaskExecutionAbandoned,
		Severity:    model.SeverityCritical,
		Description: fmt.Sprintf("task %s was still executing after %s; outcome unknown, marked failed", failed.ID, s.cfg.Grace),
		TaskID:      &failed.ID,
		ActorID:     "system",
		Details:     details,
	})
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveTask(failed)
	}
	return nil
}

// Run reconciles once immediately and then on every interval until ctx is
// canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("dispatch: startup reconcile failed", "error", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("dispatch: reconcile failed", "error", err)
			}
		}
	}
}
