package sekimon

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	port        int
	storage     string
	databaseURL string
	logger      *slog.Logger
	version     string
	executors   []namedExecutor
	eventHooks  []EventHook
	middlewares []Middleware
}

type namedExecutor struct {
	action string
	fn     Executor
}

// WithPort overrides the TCP port from config (SEKIMON_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorage overrides the storage backend from config (SEKIMON_STORAGE
// env var): "postgres", "sqlite" or "memory".
func WithStorage(backend string) Option {
	return func(o *resolvedOptions) { o.storage = backend }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutor registers fn as the executor for action. Registering the
// same action twice, or an action also enabled through
// SEKIMON_BUILTIN_ACTIONS, makes New fail.
func WithExecutor(action string, fn Executor) Option {
	return func(o *resolvedOptions) {
		o.executors = append(o.executors, namedExecutor{action: action, fn: fn})
	}
}

// WithEventHook registers a hook for security events and task transitions.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
