package dispatch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("dispatch")

var (
	queueDepth    metric.Int64UpDownCounter
	eventsHandled metric.Int64Counter
	eventsDropped metric.Int64Counter
)

func init() {
	m := otel.Meter("dispatch")

	queueDepth, _ = m.Int64UpDownCounter("dispatch_queue_depth",
		metric.WithDescription("Events waiting in conversation queues"))
	eventsHandled, _ = m.Int64Counter("dispatch_events_handled_total",
		metric.WithDescription("Events processed by a handler"))
	eventsDropped, _ = m.Int64Counter("dispatch_events_dropped_total",
		metric.WithDescription("Events dropped by reason"))
}
