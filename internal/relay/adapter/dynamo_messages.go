package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/dynamo"
	"github.com/averla/gchatstream/internal/relay/app"
)

// Compile-time check: MessageIndex satisfies app.MessageIndex.
var _ app.MessageIndex = (*MessageIndex)(nil)

// messageDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the message index. The *dynamodb.Client
// satisfies this interface.
type messageDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// messageItem is the DynamoDB item shape for the messages table.
type messageItem struct {
	MessageID      string `dynamodbav:"message_id"`
	ConversationID string `dynamodbav:"conversation_id"`
	SenderID       string `dynamodbav:"sender_id"`
	SentAt         string `dynamodbav:"sent_at"`
	ReceivedAt     string `dynamodbav:"received_at"`
	TTL            int64  `dynamodbav:"ttl"`
}

// messageRetention bounds how long message records are kept. The index
// backs duplicate suppression, which never needs to look further back
// than this; DynamoDB's TTL sweeper reclaims older items.
const messageRetention = 30 * 24 * time.Hour

// MessageIndex persists delivered message records in DynamoDB and
// answers whether a message id has been seen before. It is the durable
// half of duplicate suppression: the in-memory ring catches redelivery
// within a channel's lifetime, the index catches replay across process
// restarts.
type MessageIndex struct {
	db                 messageDynamoDB
	messagesTable      string
	conversationsTable string
	clock              domain.Clock
}

// NewMessageIndex creates a MessageIndex backed by the given DynamoDB
// client.
func NewMessageIndex(db messageDynamoDB, messagesTable, conversationsTable string, clock domain.Clock) *MessageIndex {
	return &MessageIndex{
		db:                 db,
		messagesTable:      messagesTable,
		conversationsTable: conversationsTable,
		clock:              clock,
	}
}

// Seen reports whether a message id has already been recorded, using a
// strongly consistent read so a record written moments ago on another
// instance is visible.
func (s *MessageIndex) Seen(ctx context.Context, id domain.MessageID) (bool, error) {
	ctx, span := tracer.Start(ctx, "dynamo.messages.seen")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.messagesTable,
		Key: map[string]dynamo.AttributeValue{
			"message_id": &dynamo.AttributeValueMemberS{Value: id.String()},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("message index: seen: %w", err)
	}

	return out.Item != nil, nil
}

// Record writes a message record and advances the owning conversation's
// last-event metadata in one transaction. The message put is guarded by
// attribute_not_exists, so a concurrent instance recording the same id
// gets domain.ErrAlreadyExists instead of silently double-counting the
// conversation.
func (s *MessageIndex) Record(ctx context.Context, rec app.MessageRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.messages.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	av, err := dynamo.MarshalMap(s.toItem(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("message index: marshal record: %w", err)
	}

	touch, err := dynamo.NewExpressionBuilder().
		WithUpdate(dynamo.
			Set(dynamo.Name("last_message_id"), dynamo.Value(rec.Message.String())).
			Set(dynamo.Name("last_event_at"), dynamo.Value(rec.Timestamp.UTC().Format(time.RFC3339Nano))).
			Add(dynamo.Name("message_count"), dynamo.Value(1))).
		Build()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("message index: build touch expression: %w", err)
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{
				Put: &dynamo.Put{
					TableName:           &s.messagesTable,
					Item:                av,
					ConditionExpression: dynamo.String("attribute_not_exists(message_id)"),
				},
			},
			{
				Update: &dynamo.Update{
					TableName: &s.conversationsTable,
					Key: map[string]dynamo.AttributeValue{
						"conversation_id": &dynamo.AttributeValueMemberS{Value: rec.Conversation.String()},
					},
					UpdateExpression:          touch.Update(),
					ExpressionAttributeNames:  touch.Names(),
					ExpressionAttributeValues: touch.Values(),
				},
			},
		},
	})
	if err != nil {
		recErr := classifyRecordError(err)
		span.RecordError(recErr)
		span.SetStatus(codes.Error, recErr.Error())
		return recErr
	}

	return nil
}

// RecordHistory writes a message record without touching the owning
// conversation's live metadata. Backfill inserts go through here so a
// batch of old history cannot move last_event_at backwards or inflate
// the live message count.
func (s *MessageIndex) RecordHistory(ctx context.Context, rec app.MessageRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.messages.record_history")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(s.toItem(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("message index: marshal record: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.messagesTable,
		Item:                av,
		ConditionExpression: dynamo.String("attribute_not_exists(message_id)"),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("message index: record history: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("message index: record history: %w", err)
	}

	return nil
}

// toItem converts an app.MessageRecord to the DynamoDB item shape.
func (s *MessageIndex) toItem(rec app.MessageRecord) messageItem {
	now := s.clock.Now().UTC()
	return messageItem{
		MessageID:      rec.Message.String(),
		ConversationID: rec.Conversation.String(),
		SenderID:       rec.Sender.String(),
		SentAt:         rec.Timestamp.UTC().Format(time.RFC3339Nano),
		ReceivedAt:     now.Format(time.RFC3339Nano),
		TTL:            now.Add(messageRetention).Unix(),
	}
}

// classifyRecordError maps a TransactWriteItems failure to a domain
// error. The only condition in the transaction guards the message put,
// so a ConditionalCheckFailed cancellation reason means the message id
// was already recorded.
func classifyRecordError(err error) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return fmt.Errorf("message index: record: %w", err)
	}

	for _, reason := range reasons {
		if reason == "ConditionalCheckFailed" {
			return fmt.Errorf("message index: record: %w", domain.ErrAlreadyExists)
		}
	}

	return fmt.Errorf("message index: record: transaction canceled: %w", err)
}
