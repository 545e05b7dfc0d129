// Package workgroup runs bounded groups of goroutines that turn panics
// into errors.
package workgroup

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/poltergeist/deployer/pkg/logger"
)

// SafeGroup wraps errgroup.Group with panic recovery
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// WithContext creates a SafeGroup whose context is cancelled by the first
// failing goroutine
func WithContext(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, logger: orDiscard(log)}, ctx
}

// New creates a SafeGroup in which a failing goroutine does not affect
// its siblings
func New(log logger.Logger) *SafeGroup {
	return &SafeGroup{group: &errgroup.Group{}, logger: orDiscard(log)}
}

// Go runs fn in a new goroutine. A panic is logged with its stack and
// returned as an error.
func (sg *SafeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("Goroutine panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("goroutine panic: %v", r)
			}
		}()

		return fn()
	})
}

// SetLimit bounds the number of goroutines running at once. n <= 0
// removes the bound.
func (sg *SafeGroup) SetLimit(n int) {
	if n <= 0 {
		n = -1
	}
	sg.group.SetLimit(n)
}

// Wait blocks until every goroutine returned and reports the first error
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}

func orDiscard(log logger.Logger) logger.Logger {
	if log == nil {
		return logger.Discard()
	}
	return log
}
