package anomaly

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// DefaultQueueSize is the observation backlog before observations are
// dropped.
const DefaultQueueSize = 1024

const evictInterval = time.Minute

type observation struct {
	task  *model.Task
	event *model.SecurityEvent
}

// Runner decouples the detector from the request path. Observe calls never
// block: when the queue is full the observation is dropped and logged.
type Runner struct {
	detector *Detector
	queue    chan observation
	logger   *slog.Logger

	dropped    atomic.Int64
	droppedCtr metric.Int64Counter
}

// NewRunner creates a Runner with a queue of size entries.
func NewRunner(d *Detector, size int, logger *slog.Logger) *Runner {
	if size <= 0 {
		size = DefaultQueueSize
	}
	droppedCtr, _ := telemetry.Meter("sekimon/anomaly").Int64Counter("sekimon.anomalies.dropped",
		metric.WithDescription("Observations dropped because the anomaly queue was full"))
	return &Runner{
		detector:   d,
		queue:      make(chan observation, size),
		logger:     logger,
		droppedCtr: droppedCtr,
	}
}

// ObserveTask implements gate.TaskObserver.
func (r *Runner) ObserveTask(t model.Task) {
	t = t.Clone()
	r.submit(observation{task: &t})
}

// ObserveEvent implements eventlog.Observer.
func (r *Runner) ObserveEvent(e model.SecurityEvent) {
	if e.EventType == model.EventAnomalyDetected {
		return
	}
	r.submit(observation{event: &e})
}

func (r *Runner) submit(o observation) {
	select {
	case r.queue <- o:
	default:
		n := r.dropped.Add(1)
		r.droppedCtr.Add(context.Background(), 1)
		r.logger.Warn("anomaly: queue full, observation dropped", "dropped_total", n)
	}
}

// Dropped returns how many observations were discarded.
func (r *Runner) Dropped() int64 { return r.dropped.Load() }

// Run feeds queued observations to the detector until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-r.queue:
			r.process(ctx, o)
		case <-ticker.C:
			if n := r.detector.Evict(); n > 0 {
				r.logger.Debug("anomaly: evicted idle windows", "count", n)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, o observation) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("anomaly: observation panicked", "panic", rec)
		}
	}()
	switch {
	case o.task != nil:
		r.detector.ObserveTask(ctx, *o.task)
	case o.event != nil:
		r.detector.ObserveEvent(ctx, *o.event)
	}
}
