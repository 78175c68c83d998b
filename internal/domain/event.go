package domain

import "time"

// EventType identifies what a stream event carries after body splitting.
// The dispatcher routes on this; unknown types are logged and skipped.
type EventType string

const (
	EventTypeMessage     EventType = "message"
	EventTypeEdit        EventType = "edit"
	EventTypeDelete      EventType = "delete"
	EventTypeTyping      EventType = "typing"
	EventTypeReadReceipt EventType = "read_receipt"
	EventTypeMembership  EventType = "membership"
	EventTypeUnknown     EventType = "unknown"
)

// IsValidEventType checks if an event type is one this pipeline dispatches.
func IsValidEventType(t EventType) bool {
	switch t {
	case EventTypeMessage, EventTypeEdit, EventTypeDelete,
		EventTypeTyping, EventTypeReadReceipt, EventTypeMembership:
		return true
	}
	return false
}

// MembershipChange distinguishes joins from leaves on membership events.
type MembershipChange string

const (
	MembershipJoined MembershipChange = "joined"
	MembershipLeft   MembershipChange = "left"
)

// Event is one decoded, body-split stream event. Envelope fields are always
// populated; the remaining fields depend on Type. The struct deliberately
// stays flat: a backend event is one protobuf message with optional bodies,
// and splitting preserves that shape.
type Event struct {
	Type         EventType
	Conversation ConversationID
	Sender       UserID
	Timestamp    time.Time

	// Revision is the conversation state version carried by the event,
	// zero when absent. Drives the persisted high-water mark.
	Revision Revision

	// Message / Edit / Delete
	Message MessageID
	LocalID LocalID // idempotency token echoed back by the server
	Text    string

	// Edit
	EditTimestamp time.Time

	// Typing
	Typing bool

	// ReadReceipt
	ReadWatermark time.Time

	// Membership
	Change  MembershipChange
	Members []UserID
}

// IsLocalEchoCandidate reports whether the event can be a confirmation of a
// message this client sent. Only message events carry echoed tokens.
func (e Event) IsLocalEchoCandidate() bool {
	return e.Type == EventTypeMessage && e.LocalID.IsOwn()
}
