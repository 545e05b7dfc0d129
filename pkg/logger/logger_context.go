package logger

import (
	"context"

	dcontext "github.com/poltergeist/deployer/pkg/context"
)

// WithContext returns a logger that tags every entry with the run id,
// environment and elapsed run time stored in ctx. The pipeline step stored
// in ctx, if any, scopes the returned logger.
func WithContext(ctx context.Context, log Logger) Logger {
	if ctx == nil {
		return log
	}
	if step := dcontext.GetStep(ctx); step != "" {
		log = log.WithStep(step)
	}
	return &runLogger{ctx: ctx, next: log}
}

type runLogger struct {
	ctx  context.Context
	next Logger
}

// fields are computed per entry so duration_ms tracks the run clock
func (r *runLogger) fields(extra []Field) []Field {
	var fields []Field
	if id := dcontext.GetRunID(r.ctx); id != "" {
		fields = append(fields, WithField("run_id", id))
	}
	if env := dcontext.GetEnvironment(r.ctx); env != "" {
		fields = append(fields, WithField("env", env))
	}
	if d := dcontext.GetDuration(r.ctx); d > 0 {
		fields = append(fields, WithField("duration_ms", d.Milliseconds()))
	}
	return append(fields, extra...)
}

func (r *runLogger) Info(msg string, fields ...Field)    { r.next.Info(msg, r.fields(fields)...) }
func (r *runLogger) Warn(msg string, fields ...Field)    { r.next.Warn(msg, r.fields(fields)...) }
func (r *runLogger) Error(msg string, fields ...Field)   { r.next.Error(msg, r.fields(fields)...) }
func (r *runLogger) Debug(msg string, fields ...Field)   { r.next.Debug(msg, r.fields(fields)...) }
func (r *runLogger) Success(msg string, fields ...Field) { r.next.Success(msg, r.fields(fields)...) }

func (r *runLogger) WithStep(step string) Logger {
	return &runLogger{ctx: r.ctx, next: r.next.WithStep(step)}
}
