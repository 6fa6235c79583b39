// Package dispatch runs approved tasks. It maps action names to executors,
// guarantees each task's executor is invoked at most once, and reconciles
// tasks left executing by a crash.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

// Executor performs the side effect named by a task's action. It receives
// the task parameters verbatim and returns an optional result object.
// Executors should be idempotent or safe to call once; dispatch never
// retries them.
type Executor func(ctx context.Context, params map[string]any) (map[string]any, error)

// ErrDuplicateAction is returned when an action is registered twice.
var ErrDuplicateAction = errors.New("dispatch: action already registered")

// Registry binds action names to executors. It is populated at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds action to fn.
func (r *Registry) Register(action string, fn Executor) error {
	if err := model.ValidateActionName(action); err != nil {
		return fmt.Errorf("dispatch: register: %w", err)
	}
	if fn == nil {
		return fmt.Errorf("dispatch: register %s: nil executor", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[action]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, action)
	}
	r.executors[action] = fn
	return nil
}

// Lookup returns the executor for action.
func (r *Registry) Lookup(action string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[action]
	return fn, ok
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for a := range r.executors {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Validate checks the registry against the approval policy at startup. An
// auto_approve entry naming a single action with no executor is a
// configuration error: such tasks would skip review and then fail. Wildcard
// entries that match nothing registered are only logged.
func (r *Registry) Validate(p *gate.Policy, logger *slog.Logger) error {
	actions := r.Actions()
	var errs []error
	for _, pat := range p.AutoApprovePatterns() {
		if gate.IsLiteral(pat) {
			if _, ok := r.Lookup(pat); !ok {
				errs = append(errs, fmt.Errorf("dispatch: auto_approve action %q has no registered executor", pat))
			}
			continue
		}
		if !slices.ContainsFunc(actions, func(a string) bool {
			ok, _ := doublestar.Match(pat, a)
			return ok
		}) {
			logger.Warn("dispatch: auto_approve pattern matches no registered action", "pattern", pat)
		}
	}
	return errors.Join(errs...)
}
