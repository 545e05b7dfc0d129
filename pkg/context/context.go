// Package context carries run tracing values through a deployment
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is unexported so keys never collide with other packages
type contextKey int

const (
	runIDKey contextKey = iota
	environmentKey
	stepKey
	startTimeKey
)

// WithRunID adds a run ID to the context
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// WithEnvironment adds the target environment name to the context
func WithEnvironment(parent context.Context, env string) context.Context {
	return context.WithValue(parent, environmentKey, env)
}

// GetEnvironment retrieves the target environment name from context
func GetEnvironment(ctx context.Context) string {
	if env, ok := ctx.Value(environmentKey).(string); ok {
		return env
	}
	return ""
}

// WithStep adds the current pipeline step to the context
func WithStep(parent context.Context, step string) context.Context {
	return context.WithValue(parent, stepKey, step)
}

// GetStep retrieves the current pipeline step from context
func GetStep(ctx context.Context) string {
	if step, ok := ctx.Value(stepKey).(string); ok {
		return step
	}
	return ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration returns the time elapsed since the start time, or zero
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// EnrichContext adds a run ID (if missing), the environment and a start time
func EnrichContext(parent context.Context, env string) context.Context {
	ctx := parent

	if GetRunID(ctx) == "" {
		ctx = WithRunID(ctx, GenerateRunID())
	}
	if env != "" {
		ctx = WithEnvironment(ctx, env)
	}

	return WithStartTime(ctx, time.Now())
}
