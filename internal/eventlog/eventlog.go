// Package eventlog is the append-only security event log. Components record
// events through Log; nothing outside the process can write to it.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/integrity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// ErrInvalidEvent is returned by Record for an unknown type or severity.
var ErrInvalidEvent = errors.New("eventlog: invalid event")

const (
	writeAttempts = 3
	writeTimeout  = 5 * time.Second
	maxExport     = model.MaxListLimit
)

// Input describes an event to record. IPAddress and UserAgent default to
// the values carried by ctxutil.RequestMeta.
type Input struct {
	EventType   model.EventType
	Severity    model.Severity
	Description string
	TaskID      *uuid.UUID
	ActorID     string
	IPAddress   string
	UserAgent   string
	Details     map[string]any
}

// Observer is notified after every successful append. ObserveEvent runs on
// the recording goroutine and must return promptly.
type Observer interface {
	ObserveEvent(e model.SecurityEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e model.SecurityEvent)

func (f ObserverFunc) ObserveEvent(e model.SecurityEvent) { f(e) }

// Log records and reads security events.
type Log struct {
	store  storage.EventStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers []Observer

	recorded      metric.Int64Counter
	writeFailures metric.Int64Counter
}

// New creates a Log over store.
func New(store storage.EventStore, logger *slog.Logger) *Log {
	meter := telemetry.Meter("sekimon/eventlog")
	recorded, _ := meter.Int64Counter("sekimon.events.recorded",
		metric.WithDescription("Security events appended"))
	failures, _ := meter.Int64Counter("sekimon.events.write_failures",
		metric.WithDescription("Security events that could not be appended after retries"))
	return &Log{
		store:         store,
		logger:        logger,
		now:           time.Now,
		recorded:      recorded,
		writeFailures: failures,
	}
}

// Subscribe registers an observer for every future event.
func (l *Log) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Record validates, stamps, hashes and appends an event, then notifies
// observers. The write runs on a context detached from the caller's
// cancellation so an abandoned request still leaves its audit trail.
// Failures after retries are logged at error level and returned.
func (l *Log) Record(ctx context.Context, in Input) (model.SecurityEvent, error) {
	if !in.EventType.Valid() {
		return model.SecurityEvent{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, in.EventType)
	}
	if in.Severity.Rank() == 0 {
		return model.SecurityEvent{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, in.Severity)
	}
	if strings.TrimSpace(in.Description) == "" {
		return model.SecurityEvent{}, fmt.Errorf("%w: description is required", ErrInvalidEvent)
	}

	meta := ctxutil.RequestMetaFromContext(ctx)
	if in.IPAddress == "" {
		in.IPAddress = meta.IPAddress
	}
	if in.UserAgent == "" {
		in.UserAgent = meta.UserAgent
	}
	details := in.Details
	if meta.RequestID != "" {
		details = make(map[string]any, len(in.Details)+1)
		for k, v := range in.Details {
			details[k] = v
		}
		details["request_id"] = meta.RequestID
	}

	// Microsecond precision survives every backend, so the hash computed
	// here still verifies after a round trip.
	e := model.SecurityEvent{
		ID:            uuid.New(),
		CreatedAt:     l.now().UTC().Truncate(time.Microsecond),
		EventType:     in.EventType,
		Severity:      in.Severity,
		Description:   in.Description,
		RelatedTaskID: in.TaskID,
		ActorID:       in.ActorID,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		Details:       details,
	}
	e.ContentHash = integrity.ComputeEventHash(e)

	stored, err := l.append(ctx, e)
	if err != nil {
		l.writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(e.EventType))))
		l.logger.Error("eventlog: security event lost",
			"event_type", e.EventType,
			"severity", e.Severity,
			"task_id", e.RelatedTaskID,
			"description", e.Description,
			"error", err)
		return model.SecurityEvent{}, err
	}
	l.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(e.EventType)),
		attribute.String("severity", string(e.Severity)),
	))

	l.mu.RLock()
	observers := l.observers
	l.mu.RUnlock()
	for _, o := range observers {
		l.notify(o, stored)
	}
	return stored, nil
}

func (l *Log) append(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		stored, err := l.store.AppendEvent(writeCtx, e)
		if err == nil {
			return stored, nil
		}
		lastErr = err
		// The Postgres store has already backed off on serialization
		// failures and deadlocks.
		if errors.Is(err, storage.ErrDuplicate) || storage.IsRetriable(err) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return model.SecurityEvent{}, fmt.Errorf("eventlog: write context expired: %w", lastErr)
		}
	}
	return model.SecurityEvent{}, fmt.Errorf("eventlog: append failed after retries: %w", lastErr)
}

// notify shields the log from a panicking observer.
func (l *Log) notify(o Observer, e model.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventlog: observer panicked", "event_id", e.ID, "panic", r)
		}
	}()
	o.ObserveEvent(e)
}

// List returns events newest first for operator review.
func (l *Log) List(ctx context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	f.Ascending = false
	events, err := l.store.ListEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return events, nil
}

// Export returns events oldest first together with a Merkle root over their
// content hashes, so an auditor can detect a later change to any exported
// event. A page holds at most maxExport events; HasMore is set when more
// match.
func (l *Log) Export(ctx context.Context, f model.EventFilter) (model.EventExport, error) {
	f.Ascending = true
	limit := f.Limit
	if limit <= 0 || limit > maxExport {
		limit = maxExport
	}
	f.Limit = limit + 1
	events, err := l.store.ListEvents(ctx, f)
	if err != nil {
		return model.EventExport{}, fmt.Errorf("eventlog: export: %w", err)
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = e.ContentHash
	}
	return model.EventExport{
		Events:     events,
		Count:      len(events),
		Offset:     f.Offset,
		HasMore:    hasMore,
		MerkleRoot: integrity.BuildMerkleRoot(leaves),
		ExportedAt: l.now().UTC(),
	}, nil
}

// Verify recomputes a stored event's content hash.
func (l *Log) Verify(ctx context.Context, id uuid.UUID) (model.EventVerification, error) {
	e, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return model.EventVerification{}, fmt.Errorf("eventlog: verify: %w", err)
	}
	return model.EventVerification{
		EventID:      e.ID,
		Valid:        integrity.VerifyEventHash(e),
		StoredHash:   e.ContentHash,
		ComputedHash: integrity.ComputeEventHash(e),
	}, nil
}
