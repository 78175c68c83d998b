package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/averla/gchatstream/internal/domain"
)

// LocalEchoSet tracks idempotency tokens for sends that are still in
// flight. The stream echoes each accepted message back with its token,
// so membership here is how an inbound event is recognized as our own
// send before the server-assigned id is known.
type LocalEchoSet struct {
	mu  sync.Mutex
	ids map[domain.LocalID]struct{}
}

// NewLocalEchoSet creates an empty echo set.
func NewLocalEchoSet() *LocalEchoSet {
	return &LocalEchoSet{ids: make(map[domain.LocalID]struct{})}
}

// Add registers an in-flight token.
func (s *LocalEchoSet) Add(id domain.LocalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// Remove retires a token once its send has settled.
func (s *LocalEchoSet) Remove(id domain.LocalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Contains reports whether id belongs to an in-flight send.
func (s *LocalEchoSet) Contains(id domain.LocalID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// RecentRing is a bounded most-recent-first buffer of delivered message
// ids. Lookups scan the whole buffer; at the default capacity that is
// cheaper than keeping a side index.
type RecentRing struct {
	mu       sync.Mutex
	capacity int
	ids      []domain.MessageID
}

// NewRecentRing creates a ring holding at most capacity ids. A
// non-positive capacity takes the domain default.
func NewRecentRing(capacity int) *RecentRing {
	if capacity <= 0 {
		capacity = domain.DedupRingCapacity
	}
	return &RecentRing{capacity: capacity, ids: make([]domain.MessageID, 0, capacity)}
}

// CheckAndRecord reports whether id was already present and inserts it
// at the front if not. Check and insert share one critical section so
// two near-simultaneous deliveries of the same id cannot both be
// admitted.
func (r *RecentRing) CheckAndRecord(id domain.MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.ids {
		if seen == id {
			return true
		}
	}
	r.insert(id)
	return false
}

// Record inserts id at the front, evicting the oldest entry when the
// ring is full.
func (r *RecentRing) Record(id domain.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(id)
}

func (r *RecentRing) insert(id domain.MessageID) {
	if len(r.ids) < r.capacity {
		r.ids = append(r.ids, domain.MessageID{})
	}
	copy(r.ids[1:], r.ids)
	r.ids[0] = id
}

// Len reports the number of ids currently held.
func (r *RecentRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// senderLocks hands out one mutex per sender id. The outbound path
// creates locks on demand; the inbound path only honors a lock that
// already exists, so senders we never send as are checked without
// serialization.
type senderLocks struct {
	mu sync.Mutex
	m  map[domain.UserID]*sync.Mutex
}

func newSenderLocks() *senderLocks {
	return &senderLocks{m: make(map[domain.UserID]*sync.Mutex)}
}

func (l *senderLocks) acquire(id domain.UserID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[id]
	if !ok {
		mu = &sync.Mutex{}
		l.m[id] = mu
	}
	return mu
}

func (l *senderLocks) existing(id domain.UserID) (*sync.Mutex, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[id]
	return mu, ok
}

// SendFunc performs one outbound send. It posts localID as the
// client-assigned message id and returns the server-assigned one.
type SendFunc func(ctx context.Context, localID domain.LocalID) (domain.MessageID, error)

// DeduperConfig holds the dependencies for Deduper.
type DeduperConfig struct {
	// Index is the durable lookup consulted after the in-memory checks.
	// Optional; when nil only in-memory state is used.
	Index MessageIndex

	// RingCapacity bounds the recent ring. Zero takes the domain
	// default.
	RingCapacity int

	Logger *slog.Logger
}

// Deduper decides whether an inbound event is new and owns the local
// echo lifecycle for outbound sends. Checks for a sender are serialized
// with that sender's in-flight send, which closes the window between an
// echo token being retired and the confirmed message id becoming known.
type Deduper struct {
	index  MessageIndex
	echoes *LocalEchoSet
	ring   *RecentRing
	locks  *senderLocks
	logger *slog.Logger

	editMu    sync.Mutex
	lastEdits map[domain.MessageID]time.Time
}

// NewDeduper creates a Deduper with empty state.
func NewDeduper(cfg DeduperConfig) *Deduper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{
		index:     cfg.Index,
		echoes:    NewLocalEchoSet(),
		ring:      NewRecentRing(cfg.RingCapacity),
		locks:     newSenderLocks(),
		logger:    logger,
		lastEdits: make(map[domain.MessageID]time.Time),
	}
}

// ShouldProcess reports whether an inbound message event should be
// delivered. The order of the checks matters: the echo token identifies
// our own sends before their server id is known, the ring catches
// redelivery across reconnects, and the durable index catches replays
// older than the ring. The id goes into the ring before the durable
// lookup so a concurrent duplicate cannot also be admitted.
func (d *Deduper) ShouldProcess(ctx context.Context, evt domain.Event) bool {
	if mu, ok := d.locks.existing(evt.Sender); ok {
		mu.Lock()
		defer mu.Unlock()
	}

	// 1. Local echo of an in-flight send.
	if evt.IsLocalEchoCandidate() && d.echoes.Contains(evt.LocalID) {
		d.logger.DebugContext(ctx, "dropping local echo",
			slog.String("conversation", evt.Conversation.String()),
			slog.String("local_id", evt.LocalID.String()))
		countDedupDrop(ctx, "local_echo")
		return false
	}

	// 2. Recently delivered.
	if d.ring.CheckAndRecord(evt.Message) {
		d.logger.DebugContext(ctx, "dropping recently delivered message",
			slog.String("conversation", evt.Conversation.String()),
			slog.String("message_id", evt.Message.String()))
		countDedupDrop(ctx, "recent_ring")
		return false
	}

	// 3. Already in the durable index.
	if d.index != nil {
		seen, err := d.index.Seen(ctx, evt.Message)
		if err != nil {
			// Fail open: a duplicate delivery is recoverable, a dropped
			// message is not.
			d.logger.WarnContext(ctx, "message index lookup failed",
				slog.Any("error", err),
				slog.String("message_id", evt.Message.String()))
		} else if seen {
			d.logger.DebugContext(ctx, "dropping already indexed message",
				slog.String("conversation", evt.Conversation.String()),
				slog.String("message_id", evt.Message.String()))
			countDedupDrop(ctx, "message_index")
			return false
		}
	}

	return true
}

// AdmitEdit reports whether an edit supersedes the last one delivered
// for its message. Equal timestamps are replays, so only a strictly
// newer edit passes, and the watermark moves before delivery so a
// concurrent replay of the same edit cannot pass as well.
func (d *Deduper) AdmitEdit(ctx context.Context, evt domain.Event) bool {
	d.editMu.Lock()
	defer d.editMu.Unlock()
	last, ok := d.lastEdits[evt.Message]
	if ok && !evt.EditTimestamp.After(last) {
		d.logger.DebugContext(ctx, "dropping stale edit",
			slog.String("message_id", evt.Message.String()),
			slog.Time("edit_ts", evt.EditTimestamp))
		countDedupDrop(ctx, "stale_edit")
		return false
	}
	d.lastEdits[evt.Message] = evt.EditTimestamp
	return true
}

// TrackOutbound runs one outbound send with echo suppression. The token
// is registered before the request leaves so its echo cannot race it.
// The sender's lock is held across send and record, so the inbound side
// observes either the token or the recorded id, never neither. The
// token is removed on failure too; a rejected send must not suppress a
// later unrelated event.
func (d *Deduper) TrackOutbound(ctx context.Context, sender domain.UserID, send SendFunc) (domain.MessageID, error) {
	localID := domain.GenerateLocalID()
	d.echoes.Add(localID)

	mu := d.locks.acquire(sender)
	mu.Lock()
	defer mu.Unlock()

	id, err := send(ctx, localID)
	if err != nil {
		d.echoes.Remove(localID)
		outboundSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		return domain.MessageID{}, err
	}

	d.ring.Record(id)
	d.echoes.Remove(localID)
	outboundSendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	return id, nil
}

func countDedupDrop(ctx context.Context, reason string) {
	dedupDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
