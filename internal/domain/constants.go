package domain

import "time"

// Compiled defaults for channel and pipeline tuning.
// Values that operators may need to change are overridable via configuration;
// the wire-protocol literals live in the channel package and are not.
const (
	// Long-poll read limits. The server heartbeats roughly every 30 seconds,
	// so a read that sees nothing for twice that is a dead connection.
	PushTimeout  = 60 * time.Second
	MaxReadBytes = 1024 * 1024 // per read increment from the streamed body

	// Plain (non-streaming) request limits
	ConnectTimeout   = 30 * time.Second
	RequestTimeout   = 30 * time.Second
	FetchMaxAttempts = 3 // buffered fetches retry transient failures

	// Listen retry policy
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 2                   // seconds; sleep = base^retries
	DefaultMaxAge      = 6 * time.Hour       // listen cycle lifetime bound
	MaxBackoffInterval = 300 * time.Second   // cap on a single backoff sleep

	// Supervisor (outer) reconnect policy
	ReconnectInitialDelay = 4 * time.Second
	ReconnectDelayFactor  = 1.5
	ReconnectMaxDelay     = 60 * time.Second
	ReconnectStableAfter  = 60 * time.Second // uptime that resets the delay

	// Dedup limits
	DedupRingCapacity = 100 // recently delivered remote message ids

	// Timeout contracts for stores
	DynamoDBTimeout = 5 * time.Second
	RedisTimeout    = 2 * time.Second

	// Graceful shutdown. The drain delay gives load balancers time to see
	// the failing health check before the listener closes; the per-stage
	// timeouts sum to less than the overall budget.
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 3 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)

// TrustedDomainSuffix is the only host suffix credentials may be sent to.
// Requests elsewhere are rejected before any Authorization header or cookie
// is attached.
const TrustedDomainSuffix = ".google.com"
