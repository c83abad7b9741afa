package generation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher decides where generation execution runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, run func(ctx context.Context))
}

// InlineDispatcher runs work on the caller's goroutine.
type InlineDispatcher struct{}

// Dispatch runs run synchronously.
func (InlineDispatcher) Dispatch(ctx context.Context, run func(ctx context.Context)) {
	run(ctx)
}

// AsyncDispatcher runs work on its own goroutine, detached from the request
// context and bounded by a timeout.
type AsyncDispatcher struct {
	timeout   time.Duration
	logger    *zap.Logger
	waitGroup sync.WaitGroup
}

// NewAsyncDispatcher builds an AsyncDispatcher.
func NewAsyncDispatcher(timeout time.Duration, logger *zap.Logger) *AsyncDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncDispatcher{timeout: timeout, logger: logger}
}

// Dispatch starts run in the background.
func (dispatcher *AsyncDispatcher) Dispatch(ctx context.Context, run func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	dispatcher.waitGroup.Add(1)
	go func() {
		defer dispatcher.waitGroup.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				dispatcher.logger.Error("generation execution panicked", zap.Any("panic", recovered))
			}
		}()
		runCtx := detached
		if dispatcher.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(detached, dispatcher.timeout)
			defer cancel()
		}
		run(runCtx)
	}()
}

// Wait blocks until every dispatched run has returned.
func (dispatcher *AsyncDispatcher) Wait() {
	dispatcher.waitGroup.Wait()
}
