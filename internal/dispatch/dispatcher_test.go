package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/averla/gchatstream/internal/dispatch"
	"github.com/averla/gchatstream/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, cfg dispatch.Config) *dispatch.Dispatcher {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	d := dispatch.NewDispatcher(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
	})
	return d
}

func messageEvent(conv domain.ConversationID, text string, rev int64) domain.Event {
	return domain.Event{
		Type:         domain.EventTypeMessage,
		Conversation: conv,
		Text:         text,
		Revision:     domain.NewRevision(rev),
	}
}

// receiveTexts drains n values from ch, failing the test on a stall.
func receiveTexts(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		select {
		case text := <-ch:
			out = append(out, text)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestDispatcher_FIFOWithinConversation(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAAfifo")

	handled := make(chan string, 32)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		return nil
	})

	var want []string
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("event-%d", i)
		want = append(want, text)
		d.Enqueue(context.Background(), messageEvent(conv, text, 0))
	}

	assert.Equal(t, want, receiveTexts(t, handled, 20))
}

func TestDispatcher_OrderingUnderBackfillGate(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAAgate")

	handled := make(chan string, 8)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		return nil
	})

	release := d.Gate(conv).Hold()

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		d.Enqueue(context.Background(), messageEvent(conv, text, 0))
	}

	// Nothing may reach the handler while backfill is in progress.
	select {
	case text := <-handled:
		t.Fatalf("event %q handled while the gate was held", text)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	assert.Equal(t, want, receiveTexts(t, handled, 5))
}

func TestDispatcher_IndependentConversations(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	blocked := domain.MustConversationID("space:AAAAblocked")
	free := domain.MustConversationID("dm:AAAAfree")

	handled := make(chan string, 8)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		return nil
	})

	release := d.Gate(blocked).Hold()
	d.Enqueue(context.Background(), messageEvent(blocked, "held back", 0))
	d.Enqueue(context.Background(), messageEvent(free, "flows", 0))

	// One conversation's backfill must not stall another's queue.
	assert.Equal(t, []string{"flows"}, receiveTexts(t, handled, 1))

	release()
	assert.Equal(t, []string{"held back"}, receiveTexts(t, handled, 1))
}

func TestDispatcher_UnknownTypeSkipped(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAAunknown")

	handled := make(chan string, 2)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		return nil
	})

	unknown := domain.Event{Type: domain.EventTypeUnknown, Conversation: conv}
	d.Enqueue(context.Background(), unknown)
	d.Enqueue(context.Background(), messageEvent(conv, "after unknown", 0))

	// The unregistered type is skipped and the queue keeps moving.
	assert.Equal(t, []string{"after unknown"}, receiveTexts(t, handled, 1))
}

func TestDispatcher_HandlerErrorDoesNotStopConsumer(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAAerrs")

	handled := make(chan string, 4)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		if evt.Text == "poison" {
			return errors.New("handler rejected event")
		}
		return nil
	})

	d.Enqueue(context.Background(), messageEvent(conv, "poison", 0))
	d.Enqueue(context.Background(), messageEvent(conv, "healthy", 0))

	assert.Equal(t, []string{"poison", "healthy"}, receiveTexts(t, handled, 2))
}

func TestDispatcher_HandlerPanicContained(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAApanic")

	handled := make(chan string, 4)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		if evt.Text == "boom" {
			panic("handler exploded")
		}
		handled <- evt.Text
		return nil
	})

	d.Enqueue(context.Background(), messageEvent(conv, "boom", 0))
	d.Enqueue(context.Background(), messageEvent(conv, "survivor", 0))

	assert.Equal(t, []string{"survivor"}, receiveTexts(t, handled, 1))
}

func TestDispatcher_ConsumerRespawnsAfterDrain(t *testing.T) {
	d := newTestDispatcher(t, dispatch.Config{})
	conv := domain.MustConversationID("space:AAAArespawn")

	handled := make(chan string, 2)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		return nil
	})

	d.Enqueue(context.Background(), messageEvent(conv, "first", 0))
	assert.Equal(t, []string{"first"}, receiveTexts(t, handled, 1))

	// Give the drained consumer time to exit, then make sure a later
	// enqueue still finds its way to a handler.
	time.Sleep(50 * time.Millisecond)
	d.Enqueue(context.Background(), messageEvent(conv, "second", 0))
	assert.Equal(t, []string{"second"}, receiveTexts(t, handled, 1))
}

type fakeRevisions struct {
	mu       sync.Mutex
	advanced []int64
	signal   chan struct{}
}

func newFakeRevisions() *fakeRevisions {
	return &fakeRevisions{signal: make(chan struct{}, 16)}
}

func (f *fakeRevisions) Advance(_ context.Context, _ domain.ConversationID, rev domain.Revision) error {
	f.mu.Lock()
	f.advanced = append(f.advanced, rev.Int64())
	f.mu.Unlock()
	f.signal <- struct{}{}
	return nil
}

func (f *fakeRevisions) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.advanced...)
}

func TestDispatcher_RevisionAdvance(t *testing.T) {
	revisions := newFakeRevisions()
	d := newTestDispatcher(t, dispatch.Config{Revisions: revisions})
	conv := domain.MustConversationID("space:AAAArev")

	handled := make(chan string, 8)
	d.Handle(domain.EventTypeMessage, func(_ context.Context, evt domain.Event) error {
		handled <- evt.Text
		if evt.Text == "failing" {
			return errors.New("handler rejected event")
		}
		return nil
	})

	d.Enqueue(context.Background(), messageEvent(conv, "with revision", 42))
	d.Enqueue(context.Background(), messageEvent(conv, "no revision", 0))
	d.Enqueue(context.Background(), messageEvent(conv, "failing", 7))
	d.Enqueue(context.Background(), messageEvent(conv, "final", 9))

	receiveTexts(t, handled, 4)
	// Two advances: the zero revision and the failed event leave the
	// mark untouched.
	for i := 0; i < 2; i++ {
		select {
		case <-revisions.signal:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for revision advance")
		}
	}
	assert.Equal(t, []int64{42, 9}, revisions.calls())
}

func TestDispatcher_CloseUnblocksGatedConsumer(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Config{Logger: discardLogger()})
	conv := domain.MustConversationID("space:AAAAclose")

	d.Handle(domain.EventTypeMessage, func(context.Context, domain.Event) error {
		return nil
	})

	release := d.Gate(conv).Hold()
	defer release()
	d.Enqueue(context.Background(), messageEvent(conv, "stuck behind gate", 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_CloseTimesOutOnStuckHandler(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Config{Logger: discardLogger()})
	conv := domain.MustConversationID("space:AAAAstuck")

	unblock := make(chan struct{})
	started := make(chan struct{})
	d.Handle(domain.EventTypeMessage, func(context.Context, domain.Event) error {
		close(started)
		<-unblock
		return nil
	})

	d.Enqueue(context.Background(), messageEvent(conv, "slow", 0))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Once the handler returns, a second close drains cleanly.
	close(unblock)
	require.NoError(t, d.Close(context.Background()))
}
