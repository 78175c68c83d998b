package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/observability"
)

// handleMessage delivers a new message. Runs on the conversation's
// dispatch queue, so deliveries within a conversation are ordered.
func (s *EventService) handleMessage(ctx context.Context, evt domain.Event) error {
	ctx, span := tracer.Start(ctx, "relay.message")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Dedup across the echo set, the recent ring and the durable
	// index.
	if !s.dedup.ShouldProcess(ctx, evt) {
		return nil
	}

	// 2. The conversation must exist before anything lands in it.
	if err := s.sink.EnsureConversation(ctx, evt.Conversation); err != nil {
		return spanErr(span, fmt.Errorf("ensure conversation %s: %w", evt.Conversation, err))
	}

	// 3. Deliver.
	if err := s.sink.DeliverMessage(ctx, evt); err != nil {
		return spanErr(span, fmt.Errorf("deliver message %s: %w", evt.Message, err))
	}
	countDelivery(ctx, evt.Type)

	// 4. Record in the durable index. Delivery already happened, so a
	// failed write only costs future dedup coverage and is not worth
	// failing the event over.
	if s.messages != nil {
		rec := MessageRecord{
			Conversation: evt.Conversation,
			Message:      evt.Message,
			Sender:       evt.Sender,
			Timestamp:    evt.Timestamp,
		}
		if err := s.messages.Record(ctx, rec); err != nil {
			logger.WarnContext(ctx, "failed to record delivered message",
				"error", err, "message_id", evt.Message.String())
		}
	}

	logger.InfoContext(ctx, "relay.message",
		"conversation", evt.Conversation.String(),
		"message_id", evt.Message.String(),
		"sender", evt.Sender.String(),
	)
	return nil
}

// handleEdit delivers an edit unless a newer or equal edit for the same
// message already went out.
func (s *EventService) handleEdit(ctx context.Context, evt domain.Event) error {
	ctx, span := tracer.Start(ctx, "relay.edit")
	defer span.End()

	if !s.dedup.AdmitEdit(ctx, evt) {
		return nil
	}
	if err := s.sink.DeliverEdit(ctx, evt); err != nil {
		return spanErr(span, fmt.Errorf("deliver edit %s: %w", evt.Message, err))
	}
	countDelivery(ctx, evt.Type)
	return nil
}

// handleDeletion delivers a message deletion. Deletions are idempotent
// at the sink, so they skip the dedup tiers.
func (s *EventService) handleDeletion(ctx context.Context, evt domain.Event) error {
	ctx, span := tracer.Start(ctx, "relay.delete")
	defer span.End()

	if err := s.sink.DeliverDeletion(ctx, evt); err != nil {
		return spanErr(span, fmt.Errorf("deliver deletion %s: %w", evt.Message, err))
	}
	countDelivery(ctx, evt.Type)
	return nil
}

func (s *EventService) handleTyping(ctx context.Context, evt domain.Event) error {
	if err := s.sink.DeliverTyping(ctx, evt); err != nil {
		return fmt.Errorf("deliver typing: %w", err)
	}
	countDelivery(ctx, evt.Type)
	return nil
}

func (s *EventService) handleReadReceipt(ctx context.Context, evt domain.Event) error {
	if err := s.sink.DeliverReadReceipt(ctx, evt); err != nil {
		return fmt.Errorf("deliver read receipt: %w", err)
	}
	countDelivery(ctx, evt.Type)
	return nil
}

func (s *EventService) handleMembership(ctx context.Context, evt domain.Event) error {
	if err := s.sink.DeliverMembership(ctx, evt); err != nil {
		return fmt.Errorf("deliver membership change: %w", err)
	}
	countDelivery(ctx, evt.Type)
	return nil
}

func countDelivery(ctx context.Context, t domain.EventType) {
	deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
