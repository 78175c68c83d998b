package gcproto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeStreamEventsRequest serializes a forward-channel request.
func EncodeStreamEventsRequest(req *StreamEventsRequest) []byte {
	var b []byte
	if req.Ping != nil {
		b = appendMessage(b, requestPingField, encodePing(req.Ping))
	}
	return b
}

func encodePing(ping *PingEvent) []byte {
	var b []byte
	if ping.State != PingStateUnknown {
		b = appendVarintField(b, pingStateField, int64(ping.State))
	}
	if ping.ApplicationFocusState != FocusStateUnspecified {
		b = appendVarintField(b, pingFocusField, int64(ping.ApplicationFocusState))
	}
	if ping.ClientInteractiveState != InteractiveStateUndefined {
		b = appendVarintField(b, pingInteractiveField, int64(ping.ClientInteractiveState))
	}
	if ping.ClientNotificationsEnabled {
		b = appendBoolField(b, pingNotificationsField, true)
	}
	return b
}

// EncodeStreamEventsResponse serializes a backward-channel payload.
// The relay only decodes these in production; the encoder keeps the
// codec symmetric and feeds the channel tests.
func EncodeStreamEventsResponse(resp *StreamEventsResponse) []byte {
	var b []byte
	if resp.Event != nil {
		b = appendMessage(b, responseEventField, EncodeEvent(resp.Event))
	}
	return b
}

// EncodeEvent serializes one event.
func EncodeEvent(evt *Event) []byte {
	var b []byte
	if evt.Type != EventTypeUnspecified {
		b = appendVarintField(b, eventTypeField, int64(evt.Type))
	}
	if evt.GroupID != nil {
		b = appendMessage(b, eventGroupIDField, encodeGroupID(evt.GroupID))
	}
	if evt.SenderID != "" {
		b = appendStringField(b, eventSenderField, evt.SenderID)
	}
	if evt.Timestamp != 0 {
		b = appendVarintField(b, eventTimestampField, evt.Timestamp)
	}
	if evt.Revision != 0 {
		b = appendVarintField(b, eventRevisionField, evt.Revision)
	}
	if evt.Body != nil {
		b = appendMessage(b, eventBodyField, encodeEventBody(evt.Body))
	}
	for _, body := range evt.Bodies {
		b = appendMessage(b, eventBodiesField, encodeEventBody(body))
	}
	return b
}

func encodeGroupID(group *GroupID) []byte {
	var b []byte
	if group.DMID != "" {
		var dm []byte
		dm = appendStringField(dm, dmIDField, group.DMID)
		b = appendMessage(b, groupDMField, dm)
	}
	if group.SpaceID != "" {
		var space []byte
		space = appendStringField(space, spaceIDField, group.SpaceID)
		b = appendMessage(b, groupSpaceField, space)
	}
	return b
}

func encodeEventBody(body *EventBody) []byte {
	var b []byte
	if body.EventType != EventTypeUnspecified {
		b = appendVarintField(b, bodyEventTypeField, int64(body.EventType))
	}
	if body.Message != nil {
		b = appendMessage(b, bodyMessageField, encodeMessageBody(body.Message))
	}
	if body.Typing != nil {
		var typing []byte
		if body.Typing.Typing {
			typing = appendBoolField(typing, typingStateField, true)
		}
		b = appendMessage(b, bodyTypingField, typing)
	}
	if body.Read != nil {
		var read []byte
		if body.Read.ReadWatermark != 0 {
			read = appendVarintField(read, readWatermarkField, body.Read.ReadWatermark)
		}
		b = appendMessage(b, bodyReadField, read)
	}
	if body.Membership != nil {
		b = appendMessage(b, bodyMembershipField, encodeMembershipBody(body.Membership))
	}
	return b
}

func encodeMessageBody(msg *MessageBody) []byte {
	var b []byte
	if msg.MessageID != "" {
		b = appendStringField(b, messageIDField, msg.MessageID)
	}
	if msg.LocalID != "" {
		b = appendStringField(b, messageLocalIDField, msg.LocalID)
	}
	if msg.Text != "" {
		b = appendStringField(b, messageTextField, msg.Text)
	}
	if msg.LastEditTime != 0 {
		b = appendVarintField(b, messageEditTimeField, msg.LastEditTime)
	}
	return b
}

func encodeMembershipBody(membership *MembershipBody) []byte {
	var b []byte
	if membership.Change != MembershipChangeUnspecified {
		b = appendVarintField(b, membershipChangeField, int64(membership.Change))
	}
	for _, member := range membership.MemberIDs {
		b = appendStringField(b, membershipMembersField, member)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
