// Package actions holds the executors sekimon ships with. Operators enable
// them by name; embedding applications register their own through the
// dispatch registry.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/dispatch"
)

// Built-in action names.
const (
	ActionEcho    = "system.echo"
	ActionWebhook = "webhook.post"
)

// Echo returns its parameters. It exercises the full approval path without
// side effects.
func Echo(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"echo": maps.Clone(params)}, nil
}

// Register enables the named built-ins on reg.
func Register(reg *dispatch.Registry, names []string, webhook config.WebhookConfig, logger *slog.Logger) error {
	for _, name := range names {
		var fn dispatch.Executor
		switch name {
		case ActionEcho:
			fn = Echo
		case ActionWebhook:
			fn = NewWebhook(webhook, logger).Execute
		default:
			return fmt.Errorf("actions: unknown built-in action %q", name)
		}
		if err := reg.Register(name, fn); err != nil {
			return err
		}
		logger.Info("actions: built-in executor enabled", "action", name)
	}
	return nil
}
