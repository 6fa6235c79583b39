package anomaly

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage/memstore"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// fakeClock is advanced by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newDetector(t *testing.T, rules []Rule) (*Detector, *eventlog.Log, *fakeClock) {
	t.Helper()
	store := memstore.New()
	events := eventlog.New(store, testLogger)
	d := NewDetector(events, rules, testLogger)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d.now = clock.Now
	return d, events, clock
}

func anomalies(t *testing.T, events *eventlog.Log) []model.SecurityEvent {
	t.Helper()
	typ := model.EventAnomalyDetected
	out, err := events.List(context.Background(), model.EventFilter{EventType: &typ})
	require.NoError(t, err)
	return out
}

func task(requester string, status model.TaskStatus) model.Task {
	return model.Task{ID: uuid.New(), RequesterID: requester, Action: "payments.refund", Status: status}
}

func TestHighRiskBurst(t *testing.T) {
	d, events, clock := newDetector(t, DefaultRules())
	ctx := context.Background()

	for range 4 {
		d.ObserveTask(ctx, task("mallory", model.TaskStatusPending))
		clock.Advance(time.Minute)
	}
	assert.Empty(t, anomalies(t, events))

	d.ObserveTask(ctx, task("mallory", model.TaskStatusPending))
	got := anomalies(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, RuleHighRiskBurst, got[0].Details["rule"])
	assert.Equal(t, "mallory", got[0].Details["subject"])

	// Cooled down: more activity inside the window does not fire again.
	d.ObserveTask(ctx, task("mallory", model.TaskStatusPending))
	assert.Len(t, anomalies(t, events), 1)
}

func TestWindowSlides(t *testing.T) {
	d, events, clock := newDetector(t, DefaultRules())
	ctx := context.Background()

	for range 10 {
		d.ObserveTask(ctx, task("alice", model.TaskStatusRejected))
		clock.Advance(16 * time.Minute)
	}
	assert.Empty(t, anomalies(t, events))
}

func TestSubjectsAreIndependent(t *testing.T) {
	d, events, _ := newDetector(t, DefaultRules())
	ctx := context.Background()
	for _, who := range []string{"a", "b", "a", "b", "c"} {
		d.ObserveTask(ctx, task(who, model.TaskStatusFailed))
	}
	assert.Empty(t, anomalies(t, events))
	d.ObserveTask(ctx, task("a", model.TaskStatusFailed))
	got := anomalies(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, RuleExecutionFailureBurst, got[0].Details["rule"])
}

func TestFiresAgainAfterCooldown(t *testing.T) {
	d, events, clock := newDetector(t, DefaultRules())
	ctx := context.Background()
	for range 3 {
		d.ObserveTask(ctx, task("alice", model.TaskStatusRejected))
	}
	require.Len(t, anomalies(t, events), 1)

	clock.Advance(31 * time.Minute)
	for range 3 {
		d.ObserveTask(ctx, task("alice", model.TaskStatusRejected))
	}
	assert.Len(t, anomalies(t, events), 2)
}

func TestIgnoredStatuses(t *testing.T) {
	d, events, _ := newDetector(t, DefaultRules())
	ctx := context.Background()
	for range 20 {
		d.ObserveTask(ctx, task("alice", model.TaskStatusApproved))
		d.ObserveTask(ctx, task("alice", model.TaskStatusExecuted))
	}
	assert.Empty(t, anomalies(t, events))
	assert.Zero(t, d.size())
}

func TestAuthFailureBurstUsesIP(t *testing.T) {
	d, events, _ := newDetector(t, DefaultRules())
	ctx := context.Background()
	for i := range 5 {
		d.ObserveEvent(ctx, model.SecurityEvent{
			EventType: model.EventAuthenticationFailed,
			ActorID:   "guess-" + string(rune('a'+i)),
			IPAddress: "203.0.113.9",
		})
	}
	got := anomalies(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.9", got[0].Details["subject"])
}

func TestAnomalyEventsNotCounted(t *testing.T) {
	d, events, _ := newDetector(t, []Rule{{Name: RuleAuthFailureBurst, Threshold: 1, Window: time.Minute}})
	ctx := context.Background()
	for range 3 {
		d.ObserveEvent(ctx, model.SecurityEvent{EventType: model.EventAnomalyDetected, ActorID: "system"})
	}
	assert.Empty(t, anomalies(t, events))
}

func TestDisabledRule(t *testing.T) {
	rules, err := MergeRules([]Rule{{Name: RuleRejectionBurst, Disabled: true}})
	require.NoError(t, err)
	d, events, _ := newDetector(t, rules)
	for range 10 {
		d.ObserveTask(context.Background(), task("alice", model.TaskStatusRejected))
	}
	assert.Empty(t, anomalies(t, events))
}

func TestMergeRules(t *testing.T) {
	rules, err := MergeRules([]Rule{{Name: RuleHighRiskBurst, Threshold: 2, Window: time.Minute}})
	require.NoError(t, err)
	require.Len(t, rules, len(DefaultRules()))
	assert.Equal(t, 2, rules[0].Threshold)

	_, err = MergeRules([]Rule{{Name: "nope", Threshold: 1, Window: time.Minute}})
	assert.Error(t, err)
	_, err = MergeRules([]Rule{{Name: RuleHighRiskBurst, Threshold: 0, Window: time.Minute}})
	assert.Error(t, err)
}

func TestEvict(t *testing.T) {
	d, _, clock := newDetector(t, DefaultRules())
	ctx := context.Background()
	d.ObserveTask(ctx, task("alice", model.TaskStatusPending))
	d.ObserveTask(ctx, task("bob", model.TaskStatusRejected))
	require.Equal(t, 2, d.size())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, d.Evict())
	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, d.Evict())
	assert.Zero(t, d.size())
}
