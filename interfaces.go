package sekimon

import (
	"context"
	"net/http"
)

// Executor performs an approved action. It receives the task parameters
// and returns a result that is stored on the task. An Executor runs at
// most once per task; it must honor ctx cancellation, since the task is
// marked failed with a timeout when ctx expires.
type Executor func(ctx context.Context, params map[string]any) (map[string]any, error)

// EventHook receives async notifications for audit events and task
// transitions. Multiple hooks may be registered via multiple WithEventHook
// calls. Deliveries come from one background goroutine in record order, so
// a slow hook delays the ones after it. When the queue is full deliveries
// are dropped and logged. Failures are logged but never affect the
// originating request.
type EventHook interface {
	OnSecurityEvent(ctx context.Context, event SecurityEvent) error
	OnTaskTransition(ctx context.Context, task Task) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
