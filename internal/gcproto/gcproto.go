// Package gcproto encodes and decodes the protobuf payloads exchanged
// over the streaming channel. Only the subset of the upstream schema
// this bridge consumes is modeled; unknown fields are skipped on
// decode, so richer payloads pass through without error.
//
// Field layout:
//
//	StreamEventsRequest   1 ping_event PingEvent
//	PingEvent             1 state, 2 application_focus_state,
//	                      3 client_interactive_state,
//	                      4 client_notifications_enabled
//	StreamEventsResponse  1 event Event
//	Event                 1 type, 2 group_id GroupID, 3 sender_id,
//	                      4 timestamp micros, 5 revision,
//	                      6 body EventBody, 7 bodies repeated EventBody
//	GroupID               1 dm_id DMID, 2 space_id SpaceID
//	DMID                  1 dm_id
//	SpaceID               1 space_id
//	EventBody             1 event_type, 2 message MessageBody,
//	                      3 typing TypingBody, 4 read_receipt ReadBody,
//	                      5 membership MembershipBody
//	MessageBody           1 message_id, 2 local_id, 3 text,
//	                      4 last_edit_time micros
//	TypingBody            1 typing
//	ReadBody              1 read_watermark micros
//	MembershipBody        1 change, 2 member_ids repeated
package gcproto

// EventType tags what an event or embedded body carries.
type EventType int32

const (
	EventTypeUnspecified       EventType = 0
	EventTypeMessagePosted     EventType = 1
	EventTypeMessageEdited     EventType = 2
	EventTypeMessageDeleted    EventType = 3
	EventTypeTyping            EventType = 4
	EventTypeReadReceipt       EventType = 5
	EventTypeMembershipChanged EventType = 6
)

// PingState reports whether the client considers itself active.
type PingState int32

const (
	PingStateUnknown  PingState = 0
	PingStateActive   PingState = 1
	PingStateInactive PingState = 2
)

// FocusState reports whether the client application has focus.
type FocusState int32

const (
	FocusStateUnspecified FocusState = 0
	FocusStateForeground  FocusState = 1
	FocusStateBackground  FocusState = 2
)

// InteractiveState reports whether a user is interacting with the
// client.
type InteractiveState int32

const (
	InteractiveStateUndefined      InteractiveState = 0
	InteractiveStateInteractive    InteractiveState = 1
	InteractiveStateNotInteractive InteractiveState = 2
)

// MembershipChangeType distinguishes joins from leaves.
type MembershipChangeType int32

const (
	MembershipChangeUnspecified MembershipChangeType = 0
	MembershipChangeJoined      MembershipChangeType = 1
	MembershipChangeLeft        MembershipChangeType = 2
)

// StreamEventsRequest is the forward-channel payload.
type StreamEventsRequest struct {
	Ping *PingEvent
}

// PingEvent reports client liveness and focus to the server.
type PingEvent struct {
	State                      PingState
	ApplicationFocusState      FocusState
	ClientInteractiveState     InteractiveState
	ClientNotificationsEnabled bool
}

// NewActivePing builds the ping sent right after a session is
// established: active, foregrounded, interactive, notifications on.
func NewActivePing() *StreamEventsRequest {
	return &StreamEventsRequest{
		Ping: &PingEvent{
			State:                      PingStateActive,
			ApplicationFocusState:      FocusStateForeground,
			ClientInteractiveState:     InteractiveStateInteractive,
			ClientNotificationsEnabled: true,
		},
	}
}

// StreamEventsResponse is the backward-channel payload.
type StreamEventsResponse struct {
	Event *Event
}

// Event is one stream event. Beyond the first body, additional bodies
// may ride along in Bodies; SplitBodies normalizes them into separate
// events.
type Event struct {
	Type      EventType
	GroupID   *GroupID
	SenderID  string
	Timestamp int64
	Revision  int64
	Body      *EventBody
	Bodies    []*EventBody
}

// GroupID identifies a conversation as either a direct message or a
// space. At most one side is set.
type GroupID struct {
	DMID    string
	SpaceID string
}

// EventBody is the typed payload of an event.
type EventBody struct {
	EventType  EventType
	Message    *MessageBody
	Typing     *TypingBody
	Read       *ReadBody
	Membership *MembershipBody
}

// MessageBody carries posted, edited, and deleted messages.
type MessageBody struct {
	MessageID    string
	LocalID      string
	Text         string
	LastEditTime int64
}

// TypingBody carries a typing state change.
type TypingBody struct {
	Typing bool
}

// ReadBody carries a read receipt watermark.
type ReadBody struct {
	ReadWatermark int64
}

// MembershipBody carries a membership change.
type MembershipBody struct {
	Change    MembershipChangeType
	MemberIDs []string
}

// Field numbers for the layout above.
const (
	requestPingField = 1

	pingStateField         = 1
	pingFocusField         = 2
	pingInteractiveField   = 3
	pingNotificationsField = 4

	responseEventField = 1

	eventTypeField      = 1
	eventGroupIDField   = 2
	eventSenderField    = 3
	eventTimestampField = 4
	eventRevisionField  = 5
	eventBodyField      = 6
	eventBodiesField    = 7

	groupDMField    = 1
	groupSpaceField = 2

	dmIDField    = 1
	spaceIDField = 1

	bodyEventTypeField  = 1
	bodyMessageField    = 2
	bodyTypingField     = 3
	bodyReadField       = 4
	bodyMembershipField = 5

	messageIDField       = 1
	messageLocalIDField  = 2
	messageTextField     = 3
	messageEditTimeField = 4

	typingStateField = 1

	readWatermarkField = 1

	membershipChangeField  = 1
	membershipMembersField = 2
)
