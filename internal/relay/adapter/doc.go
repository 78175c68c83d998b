// Package adapter contains implementations of interfaces defined in
// app and dispatch. DynamoDB, Redis, and Secrets Manager adapters live
// here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("relay/adapter")
