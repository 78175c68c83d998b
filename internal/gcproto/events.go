package gcproto

import (
	"fmt"

	"github.com/averla/gchatstream/internal/domain"
)

// SplitBodies normalizes an event with embedded bodies into standalone
// events. The embedded bodies are detached from evt; evt itself is
// returned first when it carries an inline body, followed by one copy
// per embedded body with the body and type substituted. An event with
// neither yields nothing.
func SplitBodies(evt *Event) []*Event {
	bodies := evt.Bodies
	evt.Bodies = nil

	var out []*Event
	if evt.Body != nil {
		out = append(out, evt)
	}
	for _, body := range bodies {
		split := *evt
		split.Body = body
		split.Type = body.EventType
		out = append(out, &split)
	}
	return out
}

// Domain maps a wire event type onto the dispatcher's event type.
func (t EventType) Domain() domain.EventType {
	switch t {
	case EventTypeMessagePosted:
		return domain.EventTypeMessage
	case EventTypeMessageEdited:
		return domain.EventTypeEdit
	case EventTypeMessageDeleted:
		return domain.EventTypeDelete
	case EventTypeTyping:
		return domain.EventTypeTyping
	case EventTypeReadReceipt:
		return domain.EventTypeReadReceipt
	case EventTypeMembershipChanged:
		return domain.EventTypeMembership
	default:
		return domain.EventTypeUnknown
	}
}

// Domain maps a wire membership change onto the domain value. Unknown
// changes map to the empty value.
func (c MembershipChangeType) Domain() domain.MembershipChange {
	switch c {
	case MembershipChangeJoined:
		return domain.MembershipJoined
	case MembershipChangeLeft:
		return domain.MembershipLeft
	default:
		return ""
	}
}

// ToDomainEvent converts one split wire event into the pipeline's
// domain event. The event must carry a conversation; everything else is
// optional and mapped only when present. Call after SplitBodies: events
// still holding embedded bodies lose them here.
func ToDomainEvent(evt *Event) (domain.Event, error) {
	conv, err := conversationID(evt.GroupID)
	if err != nil {
		return domain.Event{}, err
	}

	out := domain.Event{
		Type:         evt.Type.Domain(),
		Conversation: conv,
		Revision:     domain.NewRevision(evt.Revision),
	}
	if evt.SenderID != "" {
		sender, err := domain.NewUserID(evt.SenderID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("%w: sender: %v", domain.ErrProtocolDecode, err)
		}
		out.Sender = sender
	}
	if evt.Timestamp != 0 {
		out.Timestamp = domain.FromMicros(evt.Timestamp)
	}

	body := evt.Body
	if body == nil {
		return out, nil
	}
	if msg := body.Message; msg != nil {
		if msg.MessageID != "" {
			id, err := domain.NewMessageID(msg.MessageID)
			if err != nil {
				return domain.Event{}, fmt.Errorf("%w: message id: %v", domain.ErrProtocolDecode, err)
			}
			out.Message = id
		}
		out.LocalID = domain.NewLocalID(msg.LocalID)
		out.Text = msg.Text
		if msg.LastEditTime != 0 {
			out.EditTimestamp = domain.FromMicros(msg.LastEditTime)
		}
	}
	if body.Typing != nil {
		out.Typing = body.Typing.Typing
	}
	if read := body.Read; read != nil && read.ReadWatermark != 0 {
		out.ReadWatermark = domain.FromMicros(read.ReadWatermark)
	}
	if membership := body.Membership; membership != nil {
		out.Change = membership.Change.Domain()
		for _, raw := range membership.MemberIDs {
			member, err := domain.NewUserID(raw)
			if err != nil {
				return domain.Event{}, fmt.Errorf("%w: member id: %v", domain.ErrProtocolDecode, err)
			}
			out.Members = append(out.Members, member)
		}
	}
	return out, nil
}

func conversationID(group *GroupID) (domain.ConversationID, error) {
	switch {
	case group == nil:
		return domain.ConversationID{}, fmt.Errorf("%w: event carries no conversation", domain.ErrProtocolDecode)
	case group.DMID != "":
		id, err := domain.DMConversationID(group.DMID)
		if err != nil {
			return domain.ConversationID{}, fmt.Errorf("%w: dm id: %v", domain.ErrProtocolDecode, err)
		}
		return id, nil
	case group.SpaceID != "":
		id, err := domain.SpaceConversationID(group.SpaceID)
		if err != nil {
			return domain.ConversationID{}, fmt.Errorf("%w: space id: %v", domain.ErrProtocolDecode, err)
		}
		return id, nil
	default:
		return domain.ConversationID{}, fmt.Errorf("%w: event carries an empty conversation", domain.ErrProtocolDecode)
	}
}
