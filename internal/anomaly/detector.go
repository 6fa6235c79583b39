// Package anomaly watches task activity and the security event stream for
// bursts of suspicious behavior and records anomaly_detected events. It is
// strictly an observer: nothing it does blocks or fails a task operation.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// Rule names.
const (
	RuleHighRiskBurst         = "high_risk_burst"
	RuleRejectionBurst        = "rejection_burst"
	RuleExecutionFailureBurst = "execution_failure_burst"
	RuleAuthFailureBurst      = "auth_failure_burst"
)

// Rule fires when Threshold matching observations for one subject land
// within Window.
type Rule struct {
	Name      string        `yaml:"name"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Disabled  bool          `yaml:"disabled"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleHighRiskBurst, Threshold: 5, Window: 10 * time.Minute},
		{Name: RuleRejectionBurst, Threshold: 3, Window: 30 * time.Minute},
		{Name: RuleExecutionFailureBurst, Threshold: 3, Window: 15 * time.Minute},
		{Name: RuleAuthFailureBurst, Threshold: 5, Window: 5 * time.Minute},
	}
}

// MergeRules overlays overrides onto the defaults by name.
func MergeRules(overrides []Rule) ([]Rule, error) {
	rules := DefaultRules()
	for _, o := range overrides {
		i := slices.IndexFunc(rules, func(r Rule) bool { return r.Name == o.Name })
		if i < 0 {
			return nil, fmt.Errorf("anomaly: unknown rule %q", o.Name)
		}
		if !o.Disabled && (o.Threshold < 1 || o.Window <= 0) {
			return nil, fmt.Errorf("anomaly: rule %s: threshold must be >= 1 and window > 0", o.Name)
		}
		rules[i] = o
	}
	return rules, nil
}

type windowKey struct {
	rule    string
	subject string
}

type window struct {
	hits      []time.Time
	lastFired time.Time
	lastSeen  time.Time
}

// Detector keeps a sliding window per (rule, subject). It is safe for
// concurrent use, though the Runner feeds it from a single goroutine.
type Detector struct {
	events *eventlog.Log
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	rules   map[string]Rule
	windows map[windowKey]*window

	detected metric.Int64Counter
}

// NewDetector creates a Detector with the given rules. Disabled rules are
// skipped.
func NewDetector(events *eventlog.Log, rules []Rule, logger *slog.Logger) *Detector {
	active := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if !r.Disabled {
			active[r.Name] = r
		}
	}
	detected, _ := telemetry.Meter("sekimon/anomaly").Int64Counter("sekimon.anomalies.detected",
		metric.WithDescription("Anomaly rules fired"))
	return &Detector{
		events:   events,
		logger:   logger,
		now:      time.Now,
		rules:    active,
		windows:  make(map[windowKey]*window),
		detected: detected,
	}
}

// ObserveTask counts a task write against the task rules.
func (d *Detector) ObserveTask(ctx context.Context, t model.Task) {
	var rule string
	switch t.Status {
	case model.TaskStatusPending:
		rule = RuleHighRiskBurst
	case model.TaskStatusRejected:
		rule = RuleRejectionBurst
	case model.TaskStatusFailed:
		rule = RuleExecutionFailureBurst
	default:
		return
	}
	d.hit(ctx, rule, t.RequesterID, map[string]any{"last_task_id": t.ID.String(), "action": t.Action})
}

// ObserveEvent counts a recorded security event. The detector's own
// anomaly_detected events are never counted.
func (d *Detector) ObserveEvent(ctx context.Context, e model.SecurityEvent) {
	if e.EventType != model.EventAuthenticationFailed {
		return
	}
	subject := e.IPAddress
	if subject == "" {
		subject = e.ActorID
	}
	if subject == "" {
		return
	}
	d.hit(ctx, RuleAuthFailureBurst, subject, nil)
}

func (d *Detector) hit(ctx context.Context, ruleName, subject string, extra map[string]any) {
	now := d.now()
	d.mu.Lock()
	rule, ok := d.rules[ruleName]
	if !ok {
		d.mu.Unlock()
		return
	}
	k := windowKey{rule: ruleName, subject: subject}
	w := d.windows[k]
	if w == nil {
		w = &window{}
		d.windows[k] = w
	}
	w.lastSeen = now
	cutoff := now.Add(-rule.Window)
	w.hits = slices.DeleteFunc(w.hits, func(h time.Time) bool { return !h.After(cutoff) })
	w.hits = append(w.hits, now)
	if len(w.hits) > rule.Threshold {
		w.hits = w.hits[len(w.hits)-rule.Threshold:]
	}
	count := len(w.hits)
	fire := count >= rule.Threshold && (w.lastFired.IsZero() || now.Sub(w.lastFired) >= rule.Window)
	if fire {
		w.lastFired = now
	}
	d.mu.Unlock()

	if !fire {
		return
	}
	details := map[string]any{
		"rule":           rule.Name,
		"subject":        subject,
		"count":          count,
		"threshold":      rule.Threshold,
		"window_seconds": int(rule.Window.Seconds()),
	}
	for k, v := range extra {
		details[k] = v
	}
	d.detected.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule.Name)))
	d.logger.Warn("anomaly detected", "rule", rule.Name, "subject", subject, "count", count)
	_, _ = d.events.Record(ctx, eventlog.Input{
		EventType:   model.EventAnomalyDetected,
		Severity:    model.SeverityCritical,
		Description: fmt.Sprintf("%s: %d observations for %s within %s", rule.Name, count, subject, rule.Window),
		ActorID:     "system",
		Details:     details,
	})
}

// Evict drops windows idle for longer than their rule's window, so the
// key space is bounded by recent activity.
func (d *Detector) Evict() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, w := range d.windows {
		rule, ok := d.rules[k.rule]
		if !ok || now.Sub(w.lastSeen) > rule.Window {
			delete(d.windows, k)
			n++
		}
	}
	return n
}

func (d *Detector) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}
