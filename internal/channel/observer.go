package channel

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/averla/gchatstream/pkg/pblite"
)

// SignalObservers is an ordered list of callbacks fired on a connection
// state transition. Firing is synchronous, in registration order; a
// panicking observer is logged and does not stop the rest.
type SignalObservers struct {
	event  string
	logger *slog.Logger

	mu  sync.RWMutex
	fns []func(context.Context)
}

func newSignalObservers(event string, logger *slog.Logger) *SignalObservers {
	return &SignalObservers{event: event, logger: logger}
}

// Add registers fn. Safe to call concurrently with Fire.
func (o *SignalObservers) Add(fn func(context.Context)) {
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

// Fire invokes every registered callback in order.
func (o *SignalObservers) Fire(ctx context.Context) {
	o.mu.RLock()
	fns := slices.Clone(o.fns)
	o.mu.RUnlock()
	for _, fn := range fns {
		runObserver(ctx, o.logger, o.event, func(ctx context.Context) {
			fn(ctx)
		})
	}
}

// ReceiveObservers delivers decoded data arrays in arrival order, with
// the same firing contract as SignalObservers.
type ReceiveObservers struct {
	logger *slog.Logger

	mu  sync.RWMutex
	fns []func(context.Context, pblite.DataArray)
}

func newReceiveObservers(logger *slog.Logger) *ReceiveObservers {
	return &ReceiveObservers{logger: logger}
}

// Add registers fn. Safe to call concurrently with Fire.
func (o *ReceiveObservers) Add(fn func(context.Context, pblite.DataArray)) {
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

// Fire invokes every registered callback in order with data.
func (o *ReceiveObservers) Fire(ctx context.Context, data pblite.DataArray) {
	o.mu.RLock()
	fns := slices.Clone(o.fns)
	o.mu.RUnlock()
	for _, fn := range fns {
		runObserver(ctx, o.logger, "receive", func(ctx context.Context) {
			fn(ctx, data)
		})
	}
}

func runObserver(ctx context.Context, logger *slog.Logger, event string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "observer panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()
	fn(ctx)
}
