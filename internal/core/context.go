package core

import "context"

type contextKey string

const ctxKeyTrigger contextKey = "update_trigger"

// Trigger names what started an update. It is attached to every run's logs.
type Trigger string

const (
	TriggerAPI       Trigger = "api"
	TriggerCLI       Trigger = "cli"
	TriggerScheduler Trigger = "scheduler"
	TriggerStartup   Trigger = "startup"
)

// ContextWithTrigger records what requested the update.
func ContextWithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, t)
}

// TriggerFromContext returns the trigger, or "unknown".
func TriggerFromContext(ctx context.Context) Trigger {
	if v, ok := ctx.Value(ctxKeyTrigger).(Trigger); ok {
		return v
	}
	return "unknown"
}
