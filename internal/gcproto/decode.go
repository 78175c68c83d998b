package gcproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/averla/gchatstream/internal/domain"
)

func decodeErr(context string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrProtocolDecode, context, err)
}

// fieldReader walks the fields of one message.
type fieldReader struct {
	buf []byte
}

// next consumes the next field tag. ok is false at end of input.
func (r *fieldReader) next() (num protowire.Number, typ protowire.Type, ok bool, err error) {
	if len(r.buf) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		return 0, 0, false, protowire.ParseError(n)
	}
	r.buf = r.buf[n:]
	return num, typ, true, nil
}

func (r *fieldReader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *fieldReader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	r.buf = r.buf[n:]
	return v, nil
}

// skip discards a field of any wire type, preserving forward
// compatibility with fields this codec does not model.
func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.buf)
	if n < 0 {
		return protowire.ParseError(n)
	}
	r.buf = r.buf[n:]
	return nil
}

// DecodeStreamEventsResponse parses a backward-channel payload.
func DecodeStreamEventsResponse(payload []byte) (*StreamEventsResponse, error) {
	var resp StreamEventsResponse
	r := fieldReader{buf: payload}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("response", err)
		}
		if !ok {
			return &resp, nil
		}
		if num == responseEventField && typ == protowire.BytesType {
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("response event", err)
			}
			evt, err := decodeEvent(raw)
			if err != nil {
				return nil, err
			}
			resp.Event = evt
			continue
		}
		if err := r.skip(num, typ); err != nil {
			return nil, decodeErr("response", err)
		}
	}
}

func decodeEvent(raw []byte) (*Event, error) {
	var evt Event
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("event", err)
		}
		if !ok {
			return &evt, nil
		}
		switch {
		case num == eventTypeField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("event type", err)
			}
			evt.Type = EventType(v)
		case num == eventGroupIDField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("event group id", err)
			}
			group, err := decodeGroupID(raw)
			if err != nil {
				return nil, err
			}
			evt.GroupID = group
		case num == eventSenderField && typ == protowire.BytesType:
			v, err := r.bytes()
			if err != nil {
				return nil, decodeErr("event sender", err)
			}
			evt.SenderID = string(v)
		case num == eventTimestampField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("event timestamp", err)
			}
			evt.Timestamp = int64(v)
		case num == eventRevisionField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("event revision", err)
			}
			evt.Revision = int64(v)
		case num == eventBodyField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("event body", err)
			}
			body, err := decodeEventBody(raw)
			if err != nil {
				return nil, err
			}
			evt.Body = body
		case num == eventBodiesField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("event bodies", err)
			}
			body, err := decodeEventBody(raw)
			if err != nil {
				return nil, err
			}
			evt.Bodies = append(evt.Bodies, body)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, decodeErr("event", err)
			}
		}
	}
}

func decodeGroupID(raw []byte) (*GroupID, error) {
	var group GroupID
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("group id", err)
		}
		if !ok {
			return &group, nil
		}
		switch {
		case num == groupDMField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("dm id", err)
			}
			group.DMID, err = decodeSingleString(raw, dmIDField, "dm id")
			if err != nil {
				return nil, err
			}
		case num == groupSpaceField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("space id", err)
			}
			group.SpaceID, err = decodeSingleString(raw, spaceIDField, "space id")
			if err != nil {
				return nil, err
			}
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, decodeErr("group id", err)
			}
		}
	}
}

// decodeSingleString parses a wrapper message holding one string field.
func decodeSingleString(raw []byte, field protowire.Number, context string) (string, error) {
	var value string
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return "", decodeErr(context, err)
		}
		if !ok {
			return value, nil
		}
		if num == field && typ == protowire.BytesType {
			v, err := r.bytes()
			if err != nil {
				return "", decodeErr(context, err)
			}
			value = string(v)
			continue
		}
		if err := r.skip(num, typ); err != nil {
			return "", decodeErr(context, err)
		}
	}
}

func decodeEventBody(raw []byte) (*EventBody, error) {
	var body EventBody
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("event body", err)
		}
		if !ok {
			return &body, nil
		}
		switch {
		case num == bodyEventTypeField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("body event type", err)
			}
			body.EventType = EventType(v)
		case num == bodyMessageField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("message body", err)
			}
			msg, err := decodeMessageBody(raw)
			if err != nil {
				return nil, err
			}
			body.Message = msg
		case num == bodyTypingField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("typing body", err)
			}
			typing, err := decodeTypingBody(raw)
			if err != nil {
				return nil, err
			}
			body.Typing = typing
		case num == bodyReadField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("read body", err)
			}
			read, err := decodeReadBody(raw)
			if err != nil {
				return nil, err
			}
			body.Read = read
		case num == bodyMembershipField && typ == protowire.BytesType:
			raw, err := r.bytes()
			if err != nil {
				return nil, decodeErr("membership body", err)
			}
			membership, err := decodeMembershipBody(raw)
			if err != nil {
				return nil, err
			}
			body.Membership = membership
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, decodeErr("event body", err)
			}
		}
	}
}

func decodeMessageBody(raw []byte) (*MessageBody, error) {
	var msg MessageBody
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("message body", err)
		}
		if !ok {
			return &msg, nil
		}
		switch {
		case num == messageIDField && typ == protowire.BytesType:
			v, err := r.bytes()
			if err != nil {
				return nil, decodeErr("message id", err)
			}
			msg.MessageID = string(v)
		case num == messageLocalIDField && typ == protowire.BytesType:
			v, err := r.bytes()
			if err != nil {
				return nil, decodeErr("message local id", err)
			}
			msg.LocalID = string(v)
		case num == messageTextField && typ == protowire.BytesType:
			v, err := r.bytes()
			if err != nil {
				return nil, decodeErr("message text", err)
			}
			msg.Text = string(v)
		case num == messageEditTimeField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("message edit time", err)
			}
			msg.LastEditTime = int64(v)
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, decodeErr("message body", err)
			}
		}
	}
}

func decodeTypingBody(raw []byte) (*TypingBody, error) {
	var typing TypingBody
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("typing body", err)
		}
		if !ok {
			return &typing, nil
		}
		if num == typingStateField && typ == protowire.VarintType {
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("typing state", err)
			}
			typing.Typing = v != 0
			continue
		}
		if err := r.skip(num, typ); err != nil {
			return nil, decodeErr("typing body", err)
		}
	}
}

func decodeReadBody(raw []byte) (*ReadBody, error) {
	var read ReadBody
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("read body", err)
		}
		if !ok {
			return &read, nil
		}
		if num == readWatermarkField && typ == protowire.VarintType {
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("read watermark", err)
			}
			read.ReadWatermark = int64(v)
			continue
		}
		if err := r.skip(num, typ); err != nil {
			return nil, decodeErr("read body", err)
		}
	}
}

func decodeMembershipBody(raw []byte) (*MembershipBody, error) {
	var membership MembershipBody
	r := fieldReader{buf: raw}
	for {
		num, typ, ok, err := r.next()
		if err != nil {
			return nil, decodeErr("membership body", err)
		}
		if !ok {
			return &membership, nil
		}
		switch {
		case num == membershipChangeField && typ == protowire.VarintType:
			v, err := r.varint()
			if err != nil {
				return nil, decodeErr("membership change", err)
			}
			membership.Change = MembershipChangeType(v)
		case num == membershipMembersField && typ == protowire.BytesType:
			v, err := r.bytes()
			if err != nil {
				return nil, decodeErr("membership member", err)
			}
			membership.MemberIDs = append(membership.MemberIDs, string(v))
		default:
			if err := r.skip(num, typ); err != nil {
				return nil, decodeErr("membership body", err)
			}
		}
	}
}
