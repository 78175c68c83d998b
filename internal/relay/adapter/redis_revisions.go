package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averla/gchatstream/internal/dispatch"
	"github.com/averla/gchatstream/internal/domain"
	redisclient "github.com/averla/gchatstream/internal/redis"
)

// revisionKeyPrefix is the Redis key prefix for conversation revision
// high-water marks. Key pattern: conv_revision:{conversation}.
const revisionKeyPrefix = "conv_revision:"

// advanceScript atomically advances a revision high-water mark. A
// GET/compare/SET sequence from the client would race concurrent
// consumers; the script keeps the compare and the write in one step.
// Non-positive revisions and revisions at or below the stored mark are
// ignored.
const advanceScript = `
local rev = tonumber(ARGV[1])
if rev == nil or rev <= 0 then
  return 0
end
local cur = tonumber(redis.call('GET', KEYS[1]))
if cur and cur >= rev then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`

// Compile-time check: RevisionStore satisfies dispatch.RevisionStore.
var _ dispatch.RevisionStore = (*RevisionStore)(nil)

// RevisionStore persists per-conversation revision high-water marks in
// Redis. Revisions carry no TTL: they are durable catch-up state, not a
// cache.
type RevisionStore struct {
	cmd redisclient.Cmdable
}

// NewRevisionStore creates a RevisionStore that uses cmd for Redis
// operations.
func NewRevisionStore(cmd redisclient.Cmdable) *RevisionStore {
	return &RevisionStore{cmd: cmd}
}

// Advance moves the conversation's high-water mark to rev if rev is
// strictly greater than the stored value. Stale and non-positive
// revisions are ignored without error, so replayed events cannot drag
// the mark backwards.
func (s *RevisionStore) Advance(ctx context.Context, conv domain.ConversationID, rev domain.Revision) error {
	ctx, span := tracer.Start(ctx, "redis.revisions.advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	key := revisionKeyPrefix + conv.String()
	if _, err := s.cmd.Eval(ctx, advanceScript, []string{key}, rev.Int64()).Int64(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("advance revision %q: %w", conv.String(), err)
	}

	return nil
}

// Current returns the stored high-water mark for a conversation, or the
// zero revision when none has been recorded.
func (s *RevisionStore) Current(ctx context.Context, conv domain.ConversationID) (domain.Revision, error) {
	ctx, span := tracer.Start(ctx, "redis.revisions.current")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	key := revisionKeyPrefix + conv.String()
	raw, err := s.cmd.Get(ctx, key).Int64()
	if err != nil {
		if redisclient.IsNil(err) {
			return domain.Revision(0), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Revision(0), fmt.Errorf("read revision %q: %w", conv.String(), err)
	}

	return domain.NewRevision(raw), nil
}
