package channel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("channel")

var (
	longPollRequests metric.Int64Counter
	longPollExits    metric.Int64Counter
	receivedBytes    metric.Int64Counter
	receivedArrays   metric.Int64Counter
	sendsTotal       metric.Int64Counter
)

func init() {
	m := otel.Meter("channel")

	longPollRequests, _ = m.Int64Counter("channel_longpoll_requests_total",
		metric.WithDescription("Long-polling requests opened"))
	longPollExits, _ = m.Int64Counter("channel_longpoll_exits_total",
		metric.WithDescription("Long-polling request exits by reason"))
	receivedBytes, _ = m.Int64Counter("channel_received_bytes_total",
		metric.WithDescription("Bytes read from the backward channel"))
	receivedArrays, _ = m.Int64Counter("channel_received_arrays_total",
		metric.WithDescription("Data arrays received on the backward channel"))
	sendsTotal, _ = m.Int64Counter("channel_sends_total",
		metric.WithDescription("Forward-channel event sends"))
}
