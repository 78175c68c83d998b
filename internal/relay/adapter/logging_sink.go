package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/relay/app"
)

// Compile-time check: LoggingSink satisfies app.ConversationSink.
var _ app.ConversationSink = (*LoggingSink)(nil)

// LoggingSink is a conversation sink that records deliveries to the
// structured log. It stands in for a real downstream (a bridge portal,
// a webhook fanout) in deployments that only need the stream consumed,
// and doubles as the reference implementation of the sink contract.
type LoggingSink struct {
	logger *slog.Logger

	mu    sync.Mutex
	known map[domain.ConversationID]struct{}
}

// NewLoggingSink creates a sink writing through logger.
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{
		logger: logger.With(slog.String("component", "sink")),
		known:  make(map[domain.ConversationID]struct{}),
	}
}

// EnsureConversation notes the conversation on first sight. Idempotent.
func (s *LoggingSink) EnsureConversation(ctx context.Context, id domain.ConversationID) error {
	s.mu.Lock()
	_, ok := s.known[id]
	if !ok {
		s.known[id] = struct{}{}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.InfoContext(ctx, "new conversation",
			slog.String("conversation", id.String()),
			slog.Bool("dm", id.IsDM()))
	}
	return nil
}

// DeliverMessage logs a new message.
func (s *LoggingSink) DeliverMessage(ctx context.Context, evt domain.Event) error {
	s.logger.InfoContext(ctx, "message",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("message_id", evt.Message.String()),
		slog.String("sender", evt.Sender.String()),
		slog.Int("text_len", len(evt.Text)))
	return nil
}

// DeliverEdit logs a message edit.
func (s *LoggingSink) DeliverEdit(ctx context.Context, evt domain.Event) error {
	s.logger.InfoContext(ctx, "edit",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("message_id", evt.Message.String()),
		slog.Time("edit_ts", evt.EditTimestamp))
	return nil
}

// DeliverDeletion logs a message deletion.
func (s *LoggingSink) DeliverDeletion(ctx context.Context, evt domain.Event) error {
	s.logger.InfoContext(ctx, "deletion",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("message_id", evt.Message.String()))
	return nil
}

// DeliverTyping logs a typing state change at debug level; these are
// high-volume and low-value.
func (s *LoggingSink) DeliverTyping(ctx context.Context, evt domain.Event) error {
	s.logger.DebugContext(ctx, "typing",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("sender", evt.Sender.String()),
		slog.Bool("typing", evt.Typing))
	return nil
}

// DeliverReadReceipt logs a read watermark move at debug level.
func (s *LoggingSink) DeliverReadReceipt(ctx context.Context, evt domain.Event) error {
	s.logger.DebugContext(ctx, "read receipt",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("sender", evt.Sender.String()),
		slog.Time("watermark", evt.ReadWatermark))
	return nil
}

// DeliverMembership logs a membership change.
func (s *LoggingSink) DeliverMembership(ctx context.Context, evt domain.Event) error {
	members := make([]string, 0, len(evt.Members))
	for _, m := range evt.Members {
		members = append(members, m.String())
	}
	s.logger.InfoContext(ctx, "membership change",
		slog.String("conversation", evt.Conversation.String()),
		slog.String("change", string(evt.Change)),
		slog.Any("members", members))
	return nil
}
