package domain

import (
	"context"
	"time"
)

// Clock provides the current time and cancellable sleeps. Implementations may
// be real (production) or deterministic (testing). The domain defines the
// interface; adapters provide implementations. All backoff and lifetime logic
// in the channel layer goes through a Clock so tests never touch wall time.
type Clock interface {
	// Now returns the current time. The returned time includes both wall clock
	// and monotonic readings when using RealClock.
	Now() time.Time

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when interrupted, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep waits with a timer that is released promptly on cancellation.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NowUTCMicros returns the current wall clock as UTC microseconds since epoch,
// the timestamp unit used on the wire.
func NowUTCMicros(c Clock) int64 {
	return c.Now().UTC().UnixMicro()
}

// FromMicros converts epoch microseconds to time.Time.
// The returned time has no monotonic reading (safe for serialization/comparison).
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// Ensure RealClock implements Clock at compile time.
var _ Clock = RealClock{}
