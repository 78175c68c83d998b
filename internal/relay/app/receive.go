package app

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/averla/gchatstream/internal/gcproto"
	"github.com/averla/gchatstream/pkg/pblite"
)

// OnReceive handles one decoded data array from the channel, in arrival
// order. A malformed payload is logged and dropped; one bad event must
// not take down the stream.
func (s *EventService) OnReceive(ctx context.Context, data pblite.DataArray) {
	ctx, span := tracer.Start(ctx, "relay.receive")
	defer span.End()

	if data.IsNoop() {
		arraysTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "noop")))
		return
	}
	arraysTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "data")))

	payload, err := data.Payload()
	if err != nil {
		// Arrays without a data envelope carry channel administrivia.
		s.logger.DebugContext(ctx, "ignoring array without payload", "error", err)
		return
	}

	resp, err := gcproto.DecodeStreamEventsResponse(payload)
	if err != nil {
		decodeFailuresTotal.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "failed to decode pushed payload", "error", err)
		return
	}
	if resp.Event == nil {
		return
	}

	for _, wireEvt := range gcproto.SplitBodies(resp.Event) {
		evt, err := gcproto.ToDomainEvent(wireEvt)
		if err != nil {
			decodeFailuresTotal.Add(ctx, 1)
			s.logger.WarnContext(ctx, "skipping unmappable event", "error", err)
			continue
		}
		s.dispatcher.Enqueue(ctx, evt)
	}
}
