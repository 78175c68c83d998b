// Package app wires the streaming channel into the event pipeline. It
// decodes pushed payloads into domain events, filters duplicates across
// the echo set, the recent ring and the durable message index, and
// hands the survivors to the per-conversation dispatcher, which drives
// the conversation sink.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/averla/gchatstream/internal/channel"
	"github.com/averla/gchatstream/internal/dispatch"
	"github.com/averla/gchatstream/internal/domain"
)

var tracer = otel.Tracer("relay/app")

var (
	arraysTotal          metric.Int64Counter
	decodeFailuresTotal  metric.Int64Counter
	dedupDroppedTotal    metric.Int64Counter
	deliveriesTotal      metric.Int64Counter
	outboundSendsTotal   metric.Int64Counter
	listenCyclesTotal    metric.Int64Counter
	connectionUp         metric.Int64UpDownCounter
)

func init() {
	m := otel.Meter("relay/app")

	arraysTotal, _ = m.Int64Counter("relay_arrays_total",
		metric.WithDescription("Data arrays received from the channel"))
	decodeFailuresTotal, _ = m.Int64Counter("relay_decode_failures_total",
		metric.WithDescription("Pushed payloads that failed to decode"))
	dedupDroppedTotal, _ = m.Int64Counter("relay_dedup_dropped_total",
		metric.WithDescription("Inbound events dropped as duplicates"))
	deliveriesTotal, _ = m.Int64Counter("relay_deliveries_total",
		metric.WithDescription("Events delivered to the conversation sink"))
	outboundSendsTotal, _ = m.Int64Counter("relay_outbound_sends_total",
		metric.WithDescription("Outbound sends tracked for echo suppression"))
	listenCyclesTotal, _ = m.Int64Counter("relay_listen_cycles_total",
		metric.WithDescription("Channel listen cycles started by the supervisor"))
	connectionUp, _ = m.Int64UpDownCounter("relay_connection_up",
		metric.WithDescription("1 while the stream channel is connected"))
}

// MessageRecord is one delivered message as stored in the durable
// index.
type MessageRecord struct {
	Conversation domain.ConversationID
	Message      domain.MessageID
	Sender       domain.UserID
	Timestamp    time.Time
}

// MessageIndex is the durable record of delivered messages. Seen backs
// the last dedup tier; Record is written after successful delivery.
type MessageIndex interface {
	Seen(ctx context.Context, id domain.MessageID) (bool, error)
	Record(ctx context.Context, rec MessageRecord) error
}

// ConversationSink receives deduplicated events in per-conversation
// order. EnsureConversation runs before the first delivery into a
// conversation and must be idempotent.
type ConversationSink interface {
	EnsureConversation(ctx context.Context, id domain.ConversationID) error
	DeliverMessage(ctx context.Context, evt domain.Event) error
	DeliverEdit(ctx context.Context, evt domain.Event) error
	DeliverDeletion(ctx context.Context, evt domain.Event) error
	DeliverTyping(ctx context.Context, evt domain.Event) error
	DeliverReadReceipt(ctx context.Context, evt domain.Event) error
	DeliverMembership(ctx context.Context, evt domain.Event) error
}

// EventServiceConfig holds the dependencies for EventService.
type EventServiceConfig struct {
	Dispatcher *dispatch.Dispatcher
	Deduper    *Deduper
	Sink       ConversationSink

	// Messages is the durable index written after delivery. Optional;
	// when nil deliveries are not recorded.
	Messages MessageIndex

	Logger *slog.Logger
}

// EventService connects a channel's receive stream to the dispatcher
// and owns the per-event-type handlers.
type EventService struct {
	dispatcher *dispatch.Dispatcher
	dedup      *Deduper
	sink       ConversationSink
	messages   MessageIndex
	logger     *slog.Logger
}

// NewEventService creates the service and registers its handlers on the
// dispatcher.
func NewEventService(cfg EventServiceConfig) (*EventService, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher", domain.ErrConfigRequired)
	}
	if cfg.Deduper == nil {
		return nil, fmt.Errorf("%w: deduper", domain.ErrConfigRequired)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: conversation sink", domain.ErrConfigRequired)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &EventService{
		dispatcher: cfg.Dispatcher,
		dedup:      cfg.Deduper,
		sink:       cfg.Sink,
		messages:   cfg.Messages,
		logger:     logger,
	}
	s.dispatcher.Handle(domain.EventTypeMessage, s.handleMessage)
	s.dispatcher.Handle(domain.EventTypeEdit, s.handleEdit)
	s.dispatcher.Handle(domain.EventTypeDelete, s.handleDeletion)
	s.dispatcher.Handle(domain.EventTypeTyping, s.handleTyping)
	s.dispatcher.Handle(domain.EventTypeReadReceipt, s.handleReadReceipt)
	s.dispatcher.Handle(domain.EventTypeMembership, s.handleMembership)
	return s, nil
}

// Attach subscribes the service to a channel's receive stream. The
// supervisor calls this for every channel it creates; channels are
// disposable, the service is not.
func (s *EventService) Attach(ch *channel.Channel) {
	ch.OnReceive.Add(s.OnReceive)
}

// Gate exposes the backfill gate for a conversation so that sync code
// can hold event processing while it catches up.
func (s *EventService) Gate(conv domain.ConversationID) *dispatch.Gate {
	return s.dispatcher.Gate(conv)
}

// TrackOutbound runs one outbound message send with local echo
// suppression. The send callback performs the actual request, posting
// localID as the message's client-assigned id, and returns the
// server-assigned id.
func (s *EventService) TrackOutbound(ctx context.Context, sender domain.UserID, send SendFunc) (domain.MessageID, error) {
	ctx, span := tracer.Start(ctx, "relay.outbound")
	defer span.End()
	return s.dedup.TrackOutbound(ctx, sender, send)
}
