// Package dispatch fans decoded stream events out to per-conversation
// FIFO queues. Each conversation gets at most one consumer goroutine at
// a time, spawned lazily on enqueue, so handlers observe that
// conversation's events strictly in arrival order. A per-conversation
// backfill gate pauses consumption while history is inserted ahead of
// live events.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/averla/gchatstream/internal/domain"
)

// Handler processes one event. Returning an error marks the event
// failed; it never stops the consumer loop.
type Handler func(ctx context.Context, evt domain.Event) error

// RevisionStore persists the per-conversation revision high-water mark.
// Advance must be monotonic: values not strictly greater than the
// stored one are ignored.
type RevisionStore interface {
	Advance(ctx context.Context, conv domain.ConversationID, rev domain.Revision) error
}

// Config holds the parameters for a Dispatcher.
type Config struct {
	// Revisions receives the high-water mark after successfully handled
	// events that carry one. Optional.
	Revisions RevisionStore

	Logger *slog.Logger
}

// queue is one conversation's pending events plus its consumer state.
// active flips under mu together with the empty transition, so a new
// consumer is spawned exactly when the previous one has decided to
// exit.
type queue struct {
	conv domain.ConversationID
	gate *Gate

	mu     sync.Mutex
	items  []domain.Event
	active bool
}

// Dispatcher routes events to type-keyed handlers through
// per-conversation FIFO queues.
type Dispatcher struct {
	revisions RevisionStore
	logger    *slog.Logger

	hmu      sync.RWMutex
	handlers map[domain.EventType]Handler

	qmu    sync.Mutex
	queues map[domain.ConversationID]*queue

	lifecycle context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from cfg.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifecycle, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		revisions: cfg.Revisions,
		logger:    logger,
		handlers:  make(map[domain.EventType]Handler),
		queues:    make(map[domain.ConversationID]*queue),
		lifecycle: lifecycle,
		stop:      stop,
	}
}

// Handle registers the handler for an event type, replacing any
// previous one.
func (d *Dispatcher) Handle(t domain.EventType, h Handler) {
	d.hmu.Lock()
	d.handlers[t] = h
	d.hmu.Unlock()
}

// Gate returns the conversation's backfill gate, creating it if needed.
// Holding it pauses that conversation's consumer; enqueued events
// accumulate until release.
func (d *Dispatcher) Gate(conv domain.ConversationID) *Gate {
	return d.queue(conv).gate
}

// Enqueue appends evt to its conversation's queue and makes sure a
// consumer is running. It never blocks and never fails.
func (d *Dispatcher) Enqueue(ctx context.Context, evt domain.Event) {
	q := d.queue(evt.Conversation)

	q.mu.Lock()
	q.items = append(q.items, evt)
	spawn := !q.active
	if spawn {
		q.active = true
	}
	q.mu.Unlock()

	queueDepth.Add(ctx, 1)
	if spawn {
		d.wg.Add(1)
		go d.consume(q)
	}
}

// Close stops all consumers and waits for them to exit, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stop()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) queue(conv domain.ConversationID) *queue {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	q, ok := d.queues[conv]
	if !ok {
		q = &queue{conv: conv, gate: NewGate()}
		d.queues[conv] = q
	}
	return q
}

// consume drains one conversation's queue. It exits when the queue is
// empty, flipping active inside the same critical section as the empty
// check so a racing Enqueue either sees active and appends, or sees the
// exit and spawns a replacement.
func (d *Dispatcher) consume(q *queue) {
	defer d.wg.Done()
	for {
		if q.gate.Held() {
			d.logger.Debug("waiting for backfill to finish",
				slog.String("conversation", q.conv.String()))
		}
		if err := q.gate.Wait(d.lifecycle); err != nil {
			q.mu.Lock()
			q.active = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.items = nil
			q.active = false
			q.mu.Unlock()
			return
		}
		evt := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		queueDepth.Add(d.lifecycle, -1)
		d.process(evt)
	}
}

// process runs one event through its handler and, on success, advances
// the persisted revision mark. Failures and panics are contained here;
// the consumer loop never stops for one bad event.
func (d *Dispatcher) process(evt domain.Event) {
	ctx, span := tracer.Start(d.lifecycle, "dispatch.process")
	defer span.End()

	d.hmu.RLock()
	handler, ok := d.handlers[evt.Type]
	d.hmu.RUnlock()
	if !ok {
		d.logger.WarnContext(ctx, "no handler for event type, skipping",
			slog.String("type", string(evt.Type)),
			slog.String("conversation", evt.Conversation.String()))
		d.countDrop(ctx, "unknown_type")
		return
	}

	if err := d.runHandler(ctx, handler, evt); err != nil {
		d.logger.ErrorContext(ctx, "event handler failed",
			slog.String("type", string(evt.Type)),
			slog.String("conversation", evt.Conversation.String()),
			slog.String("error", err.Error()))
		d.countDrop(ctx, "handler_error")
		return
	}

	eventsHandled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", string(evt.Type))))

	if d.revisions != nil && !evt.Revision.IsZero() {
		if err := d.revisions.Advance(ctx, evt.Conversation, evt.Revision); err != nil {
			d.logger.WarnContext(ctx, "failed to advance revision mark",
				slog.String("conversation", evt.Conversation.String()),
				slog.Int64("revision", evt.Revision.Int64()),
				slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func (d *Dispatcher) countDrop(ctx context.Context, reason string) {
	eventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
