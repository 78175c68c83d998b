package dispatch

import (
	"context"
	"sync"
)

// Gate is a counted hold used to pause live event processing while
// historical backfill is inserted ahead of it. Any number of holds may
// be outstanding; Wait blocks until all of them are released.
//
// The zero value is not usable; call NewGate.
type Gate struct {
	mu      sync.Mutex
	holds   int
	blocked chan struct{} // closed when holds reaches zero
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{blocked: ch}
}

// Hold closes the gate and returns the matching release. Releasing more
// than once is a no-op, so release can safely be deferred on paths that
// also release early.
func (g *Gate) Hold() (release func()) {
	g.mu.Lock()
	g.holds++
	if g.holds == 1 {
		g.blocked = make(chan struct{})
	}
	g.mu.Unlock()

	var once sync.Once
	return func() { once.Do(g.release) }
}

func (g *Gate) release() {
	g.mu.Lock()
	g.holds--
	if g.holds == 0 {
		close(g.blocked)
	}
	g.mu.Unlock()
}

// Held reports whether any hold is outstanding.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds > 0
}

// Wait blocks until the gate is open or ctx ends. A hold placed after a
// release wakes the waiter onto the new hold's channel, so Wait only
// returns on a genuinely open gate.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		held := g.holds > 0
		ch := g.blocked
		g.mu.Unlock()
		if !held {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
