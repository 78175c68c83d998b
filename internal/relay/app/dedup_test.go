package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/relay/app"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inboundMessage(msg string) domain.Event {
	return domain.Event{
		Type:         domain.EventTypeMessage,
		Conversation: domain.MustConversationID("dm:conv1"),
		Sender:       domain.MustUserID("users/remote"),
		Message:      domain.MustMessageID(msg),
		Text:         "hello",
	}
}

func TestLocalEchoSet(t *testing.T) {
	t.Parallel()

	set := app.NewLocalEchoSet()
	id := domain.GenerateLocalID()

	assert.False(t, set.Contains(id))
	set.Add(id)
	assert.True(t, set.Contains(id))
	set.Remove(id)
	assert.False(t, set.Contains(id))

	// Removing an absent token is a no-op.
	set.Remove(id)
	assert.False(t, set.Contains(id))
}

func TestRecentRing_CheckAndRecord(t *testing.T) {
	t.Parallel()

	ring := app.NewRecentRing(3)
	m1 := domain.MustMessageID("m1")
	m2 := domain.MustMessageID("m2")
	m3 := domain.MustMessageID("m3")
	m4 := domain.MustMessageID("m4")

	require.False(t, ring.CheckAndRecord(m1), "first sight must admit")
	require.True(t, ring.CheckAndRecord(m1), "second sight must report a duplicate")

	require.False(t, ring.CheckAndRecord(m2))
	require.False(t, ring.CheckAndRecord(m3))
	require.Equal(t, 3, ring.Len())

	// m4 pushes the oldest entry out.
	require.False(t, ring.CheckAndRecord(m4))
	require.Equal(t, 3, ring.Len())
	require.False(t, ring.CheckAndRecord(m1), "evicted id must be admitted again")

	// The most recent entries survived the reinsert.
	assert.True(t, ring.CheckAndRecord(m4))
	assert.True(t, ring.CheckAndRecord(m3))
}

func TestRecentRing_DefaultCapacity(t *testing.T) {
	t.Parallel()

	ring := app.NewRecentRing(0)
	for i := 0; i < domain.DedupRingCapacity; i++ {
		require.False(t, ring.CheckAndRecord(domain.MustMessageID(fmt.Sprintf("m%d", i))))
	}
	require.Equal(t, domain.DedupRingCapacity, ring.Len())

	ring.Record(domain.MustMessageID("one-more"))
	assert.Equal(t, domain.DedupRingCapacity, ring.Len())
	assert.False(t, ring.CheckAndRecord(domain.MustMessageID("m0")), "oldest id should have been evicted")
}

func TestRecentRing_ConcurrentSameID(t *testing.T) {
	t.Parallel()

	ring := app.NewRecentRing(0)
	id := domain.MustMessageID("contested")

	var admitted atomic.Int32
	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < 8; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			if !ring.CheckAndRecord(id) {
				admitted.Add(1)
			}
		}()
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "exactly one delivery may win")
}

func TestDeduper_RingSuppressesRedelivery(t *testing.T) {
	t.Parallel()

	d := app.NewDeduper(app.DeduperConfig{Logger: discardLogger()})
	ctx := context.Background()

	evt := inboundMessage("m1")
	require.True(t, d.ShouldProcess(ctx, evt))
	require.False(t, d.ShouldProcess(ctx, evt), "redelivery must be dropped")
	require.True(t, d.ShouldProcess(ctx, inboundMessage("m2")))
}

type fakeIndex struct {
	mu       sync.Mutex
	seen     map[domain.MessageID]bool
	seenErr  error
	lookups  int
	recorded []app.MessageRecord
	recErr   error
}

func (f *fakeIndex) Seen(_ context.Context, id domain.MessageID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.seenErr != nil {
		return false, f.seenErr
	}
	return f.seen[id], nil
}

func (f *fakeIndex) Record(_ context.Context, rec app.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recErr != nil {
		return f.recErr
	}
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeIndex) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeIndex) records() []app.MessageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]app.MessageRecord(nil), f.recorded...)
}

func TestDeduper_DurableIndexSuppressesReplay(t *testing.T) {
	t.Parallel()

	m1 := domain.MustMessageID("m1")
	index := &fakeIndex{seen: map[domain.MessageID]bool{m1: true}}
	d := app.NewDeduper(app.DeduperConfig{Index: index, Logger: discardLogger()})
	ctx := context.Background()

	require.False(t, d.ShouldProcess(ctx, inboundMessage("m1")))
	require.Equal(t, 1, index.lookupCount())

	// The ring recorded the id on the first pass, so the replay never
	// reaches the index.
	require.False(t, d.ShouldProcess(ctx, inboundMessage("m1")))
	require.Equal(t, 1, index.lookupCount())
}

func TestDeduper_IndexErrorFailsOpen(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{seenErr: errors.New("table throttled")}
	d := app.NewDeduper(app.DeduperConfig{Index: index, Logger: discardLogger()})
	ctx := context.Background()

	assert.True(t, d.ShouldProcess(ctx, inboundMessage("m1")),
		"a broken index must not drop messages")
	assert.False(t, d.ShouldProcess(ctx, inboundMessage("m1")),
		"the in-memory ring still catches the redelivery")
}

func TestDeduper_EchoSuppression(t *testing.T) {
	t.Parallel()

	d := app.NewDeduper(app.DeduperConfig{Logger: discardLogger()})
	ctx := context.Background()
	self := domain.MustUserID("users/self")
	conv := domain.MustConversationID("dm:conv1")

	gate := make(chan struct{})
	captured := make(chan domain.LocalID, 1)
	type sendResult struct {
		id  domain.MessageID
		err error
	}
	result := make(chan sendResult, 1)

	go func() {
		id, err := d.TrackOutbound(ctx, self, func(_ context.Context, localID domain.LocalID) (domain.MessageID, error) {
			captured <- localID
			<-gate
			return domain.MustMessageID("m9"), nil
		})
		result <- sendResult{id: id, err: err}
	}()

	localID := <-captured
	require.True(t, localID.IsOwn())

	// The server echoes the send back while the request is still in
	// flight. The echo waits on the sender's lock and then hits either
	// the echo token or the recorded id; both mean drop.
	echo := domain.Event{
		Type:         domain.EventTypeMessage,
		Conversation: conv,
		Sender:       self,
		Message:      domain.MustMessageID("m9"),
		LocalID:      localID,
		Text:         "hello",
	}
	verdict := make(chan bool, 1)
	go func() { verdict <- d.ShouldProcess(ctx, echo) }()

	close(gate)
	res := <-result
	require.NoError(t, res.err)
	require.Equal(t, domain.MustMessageID("m9"), res.id)
	require.False(t, <-verdict, "the echo of our own send must be suppressed")

	// A replay of the echo is caught by the ring.
	require.False(t, d.ShouldProcess(ctx, echo))

	// A genuinely new message from the same sender still flows.
	next := echo
	next.Message = domain.MustMessageID("m10")
	next.LocalID = domain.LocalID{}
	require.True(t, d.ShouldProcess(ctx, next))
}

func TestDeduper_FailedSendReleasesEcho(t *testing.T) {
	t.Parallel()

	d := app.NewDeduper(app.DeduperConfig{Logger: discardLogger()})
	ctx := context.Background()
	self := domain.MustUserID("users/self")

	var leaked domain.LocalID
	_, err := d.TrackOutbound(ctx, self, func(_ context.Context, localID domain.LocalID) (domain.MessageID, error) {
		leaked = localID
		return domain.MessageID{}, errors.New("backend rejected send")
	})
	require.Error(t, err)

	// The token from the failed send must not suppress a later event
	// that happens to carry it.
	evt := inboundMessage("m1")
	evt.Sender = self
	evt.LocalID = leaked
	assert.True(t, d.ShouldProcess(ctx, evt))
}

func TestDeduper_AdmitEdit(t *testing.T) {
	t.Parallel()

	d := app.NewDeduper(app.DeduperConfig{Logger: discardLogger()})
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	edit := func(msg string, ts time.Time) domain.Event {
		evt := inboundMessage(msg)
		evt.Type = domain.EventTypeEdit
		evt.EditTimestamp = ts
		return evt
	}

	require.True(t, d.AdmitEdit(ctx, edit("m1", base)))
	assert.False(t, d.AdmitEdit(ctx, edit("m1", base)), "equal timestamp is a replay")
	assert.False(t, d.AdmitEdit(ctx, edit("m1", base.Add(-time.Second))), "older edit must not regress")
	require.True(t, d.AdmitEdit(ctx, edit("m1", base.Add(time.Second))))

	// Other messages keep their own watermark.
	assert.True(t, d.AdmitEdit(ctx, edit("m2", base.Add(-time.Hour))))
}
