// Package memstore is an in-process Store. State lives for the lifetime of
// the process; it backs tests and single-node development.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// taskCell guards a single task. Transitions on different tasks never
// contend on the same mutex.
type taskCell struct {
	mu   sync.Mutex
	seq  int64
	task model.Task
}

// Store implements storage.Store in memory.
type Store struct {
	mu      sync.RWMutex // guards tasks map membership and taskSeq
	tasks   map[uuid.UUID]*taskCell
	taskSeq int64

	eventsMu sync.RWMutex
	events   []model.SecurityEvent
	eventIdx map[uuid.UUID]int
}

var _ storage.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*taskCell),
		eventIdx: make(map[uuid.UUID]int),
	}
}

func (s *Store) PutTask(_ context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("memstore: put task %s: %w", t.ID, storage.ErrDuplicate)
	}
	s.taskSeq++
	s.tasks[t.ID] = &taskCell{seq: s.taskSeq, task: t.Clone()}
	return nil
}

func (s *Store) cell(id uuid.UUID) (*taskCell, error) {
	s.mu.RLock()
	c, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memstore: task %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (model.Task, error) {
	c, err := s.cell(id)
	if err != nil {
		return model.Task{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task.Clone(), nil
}

func (s *Store) ListTasks(_ context.Context, f model.TaskFilter) ([]model.Task, error) {
	s.mu.RLock()
	cells := make([]*taskCell, 0, len(s.tasks))
	for _, c := range s.tasks {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	type entry struct {
		seq  int64
		task model.Task
	}
	var matched []entry
	for _, c := range cells {
		c.mu.Lock()
		t := c.task.Clone()
		seq := c.seq
		c.mu.Unlock()
		if taskMatches(t, f) {
			matched = append(matched, entry{seq: seq, task: t})
		}
	}
	slices.SortFunc(matched, func(a, b entry) int {
		if c := a.task.CreatedAt.Compare(b.task.CreatedAt); c != 0 {
			return c
		}
		return int(a.seq - b.seq)
	})

	out := make([]model.Task, 0, len(matched))
	for _, e := range page(matched, f.Limit, f.Offset) {
		out = append(out, e.task)
	}
	return out, nil
}

func (s *Store) CompareAndSwapStatus(_ context.Context, id uuid.UUID, expected, next model.TaskStatus, mutate storage.Mutator) (model.Task, error) {
	c, err := s.cell(id)
	if err != nil {
		return model.Task{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	updated, err := storage.ApplyTransition(c.task, expected, next, mutate)
	if err != nil {
		return model.Task{}, err
	}
	c.task = updated
	return updated.Clone(), nil
}

func (s *Store) AppendEvent(_ context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if _, ok := s.eventIdx[e.ID]; ok {
		return model.SecurityEvent{}, fmt.Errorf("memstore: append event %s: %w", e.ID, storage.ErrDuplicate)
	}
	e.Seq = int64(len(s.events) + 1)
	e.Details = cloneDetails(e.Details)
	s.eventIdx[e.ID] = len(s.events)
	s.events = append(s.events, e)
	return e, nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (model.SecurityEvent, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	i, ok := s.eventIdx[id]
	if !ok {
		return model.SecurityEvent{}, fmt.Errorf("memstore: security event %s: %w", id, storage.ErrNotFound)
	}
	e := s.events[i]
	e.Details = cloneDetails(e.Details)
	return e, nil
}

func (s *Store) ListEvents(_ context.Context, f model.EventFilter) ([]model.SecurityEvent, error) {
	s.eventsMu.RLock()
	var matched []model.SecurityEvent
	for _, e := range s.events {
		if eventMatches(e, f) {
			e.Details = cloneDetails(e.Details)
			matched = append(matched, e)
		}
	}
	s.eventsMu.RUnlock()

	slices.SortFunc(matched, func(a, b model.SecurityEvent) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = int(a.Seq - b.Seq)
		}
		if f.Ascending {
			return c
		}
		return -c
	})
	return page(matched, f.Limit, f.Offset), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close(context.Context) {}

func taskMatches(t model.Task, f model.TaskFilter) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.RequesterID != nil && t.RequesterID != *f.RequesterID {
		return false
	}
	if f.Action != nil && t.Action != *f.Action {
		return false
	}
	if f.StartedBefore != nil && (t.StartedAt == nil || !t.StartedAt.Before(*f.StartedBefore)) {
		return false
	}
	return true
}

func eventMatches(e model.SecurityEvent, f model.EventFilter) bool {
	if f.EventType != nil && e.EventType != *f.EventType {
		return false
	}
	if f.Severity != nil && e.Severity != *f.Severity {
		return false
	}
	if f.MinSeverity != nil && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.TaskID != nil && (e.RelatedTaskID == nil || *e.RelatedTaskID != *f.TaskID) {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func page[T any](items []T, limit, offset int) []T {
	limit = model.FetchLimit(limit)
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func cloneDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
