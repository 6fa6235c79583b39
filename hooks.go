package sekimon

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

const (
	hookQueueSize   = 256
	hookCallTimeout = 10 * time.Second
)

// delivery is one queued hook notification. Exactly one field is set.
type delivery struct {
	event *SecurityEvent
	task  *Task
}

// hookRelay moves notifications off the request path and delivers them to
// every registered EventHook from a single goroutine.
type hookRelay struct {
	hooks   []EventHook
	queue   chan delivery
	logger  *slog.Logger
	dropped atomic.Int64
}

func newHookRelay(hooks []EventHook, logger *slog.Logger) *hookRelay {
	return &hookRelay{
		hooks:  hooks,
		queue:  make(chan delivery, hookQueueSize),
		logger: logger,
	}
}

// ObserveEvent implements eventlog.Observer.
func (r *hookRelay) ObserveEvent(e model.SecurityEvent) {
	pub := toPublicEvent(e)
	r.submit(delivery{event: &pub})
}

// ObserveTask implements gate.TaskObserver.
func (r *hookRelay) ObserveTask(t model.Task) {
	pub := toPublicTask(t)
	r.submit(delivery{task: &pub})
}

func (r *hookRelay) submit(d delivery) {
	select {
	case r.queue <- d:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("event hook queue full, dropping notification", "dropped_total", n)
		}
	}
}

// Run delivers queued notifications until ctx is canceled. Whatever is
// still queued at that point is delivered before Run returns.
func (r *hookRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case d := <-r.queue:
					r.deliver(context.WithoutCancel(ctx), d)
				default:
					return nil
				}
			}
		case d := <-r.queue:
			r.deliver(ctx, d)
		}
	}
}

func (r *hookRelay) deliver(ctx context.Context, d delivery) {
	for _, h := range r.hooks {
		callCtx, cancel := context.WithTimeout(ctx, hookCallTimeout)
		var err error
		if d.event != nil {
			err = h.OnSecurityEvent(callCtx, *d.event)
		} else {
			err = h.OnTaskTransition(callCtx, *d.task)
		}
		cancel()
		if err == nil {
			continue
		}
		if d.event != nil {
			r.logger.Warn("event hook OnSecurityEvent failed", "event_id", d.event.ID, "error", err)
		} else {
			r.logger.Warn("event hook OnTaskTransition failed", "task_id", d.task.ID, "error", err)
		}
	}
}

// taskObservers fans one task write out to several observers.
type taskObservers []gate.TaskObserver

func (o taskObservers) ObserveTask(t model.Task) {
	for _, obs := range o {
		obs.ObserveTask(t)
	}
}

func toPublicTask(t model.Task) Task {
	t = t.Clone()
	return Task{
		ID:               t.ID,
		RequesterID:      t.RequesterID,
		Title:            t.Title,
		Description:      t.Description,
		Action:           t.Action,
		Parameters:       t.Parameters,
		RequiresApproval: t.RequiresApproval,
		Status:           TaskStatus(t.Status),
		ReviewerID:       t.ReviewerID,
		ReviewNotes:      t.ReviewNotes,
		RejectionReason:  t.RejectionReason,
		ExecutedBy:       t.ExecutedBy,
		FailureReason:    t.FailureReason,
		Result:           t.Result,
		CreatedAt:        t.CreatedAt,
		DecidedAt:        t.DecidedAt,
		StartedAt:        t.StartedAt,
		ExecutedAt:       t.ExecutedAt,
	}
}

func toPublicEvent(e model.SecurityEvent) SecurityEvent {
	var taskID *uuid.UUID
	if e.RelatedTaskID != nil {
		id := *e.RelatedTaskID
		taskID = &id
	}
	return SecurityEvent{
		ID:            e.ID,
		Seq:           e.Seq,
		CreatedAt:     e.CreatedAt,
		EventType:     string(e.EventType),
		Severity:      Severity(e.Severity),
		Description:   e.Description,
		RelatedTaskID: taskID,
		ActorID:       e.ActorID,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Details:       maps.Clone(e.Details),
		ContentHash:   e.ContentHash,
	}
}
