package gcproto_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/gcproto"
)

func TestEncodeStreamEventsRequest_ActivePing(t *testing.T) {
	var ping []byte
	ping = protowire.AppendTag(ping, 1, protowire.VarintType)
	ping = protowire.AppendVarint(ping, 1) // active
	ping = protowire.AppendTag(ping, 2, protowire.VarintType)
	ping = protowire.AppendVarint(ping, 1) // foreground
	ping = protowire.AppendTag(ping, 3, protowire.VarintType)
	ping = protowire.AppendVarint(ping, 1) // interactive
	ping = protowire.AppendTag(ping, 4, protowire.VarintType)
	ping = protowire.AppendVarint(ping, 1) // notifications enabled

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendBytes(want, ping)

	got := gcproto.EncodeStreamEventsRequest(gcproto.NewActivePing())
	assert.Equal(t, want, got)
}

func TestRoundTrip_MessageEvent(t *testing.T) {
	resp := &gcproto.StreamEventsResponse{
		Event: &gcproto.Event{
			Type:      gcproto.EventTypeMessagePosted,
			GroupID:   &gcproto.GroupID{SpaceID: "AAAAspace1"},
			SenderID:  "user-42",
			Timestamp: 1754000000000000,
			Revision:  977,
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMessagePosted,
				Message: &gcproto.MessageBody{
					MessageID: "msg-1",
					LocalID:   "gchatstream%echo-1",
					Text:      "hello there",
				},
			},
		},
	}

	decoded, err := gcproto.DecodeStreamEventsResponse(gcproto.EncodeStreamEventsResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestRoundTrip_EmbeddedBodies(t *testing.T) {
	resp := &gcproto.StreamEventsResponse{
		Event: &gcproto.Event{
			Type:      gcproto.EventTypeMessagePosted,
			GroupID:   &gcproto.GroupID{DMID: "AAAAdm1"},
			SenderID:  "user-7",
			Timestamp: 1754000000000001,
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMessagePosted,
				Message:   &gcproto.MessageBody{MessageID: "msg-2", Text: "first"},
			},
			Bodies: []*gcproto.EventBody{
				{EventType: gcproto.EventTypeTyping, Typing: &gcproto.TypingBody{Typing: true}},
				{EventType: gcproto.EventTypeReadReceipt, Read: &gcproto.ReadBody{ReadWatermark: 1754000000000002}},
				{EventType: gcproto.EventTypeMembershipChanged, Membership: &gcproto.MembershipBody{
					Change:    gcproto.MembershipChangeJoined,
					MemberIDs: []string{"user-8", "user-9"},
				}},
			},
		},
	}

	decoded, err := gcproto.DecodeStreamEventsResponse(gcproto.EncodeStreamEventsResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestRoundTrip_EditEvent(t *testing.T) {
	resp := &gcproto.StreamEventsResponse{
		Event: &gcproto.Event{
			Type:    gcproto.EventTypeMessageEdited,
			GroupID: &gcproto.GroupID{SpaceID: "AAAAspace2"},
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMessageEdited,
				Message: &gcproto.MessageBody{
					MessageID:    "msg-3",
					Text:         "edited",
					LastEditTime: 1754000000000003,
				},
			},
		},
	}

	decoded, err := gcproto.DecodeStreamEventsResponse(gcproto.EncodeStreamEventsResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	// An event using fields this codec does not model, mixed with ones
	// it does. Every unknown wire type must be skipped cleanly.
	var evt []byte
	evt = protowire.AppendTag(evt, 1, protowire.VarintType)
	evt = protowire.AppendVarint(evt, uint64(gcproto.EventTypeMessagePosted))
	evt = protowire.AppendTag(evt, 90, protowire.VarintType)
	evt = protowire.AppendVarint(evt, 12345)
	evt = protowire.AppendTag(evt, 91, protowire.BytesType)
	evt = protowire.AppendString(evt, "ignored submessage")
	evt = protowire.AppendTag(evt, 92, protowire.Fixed64Type)
	evt = protowire.AppendFixed64(evt, 777)
	evt = protowire.AppendTag(evt, 93, protowire.Fixed32Type)
	evt = protowire.AppendFixed32(evt, 42)
	evt = protowire.AppendTag(evt, 3, protowire.BytesType)
	evt = protowire.AppendString(evt, "user-11")

	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendBytes(payload, evt)
	payload = protowire.AppendTag(payload, 80, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 1)

	decoded, err := gcproto.DecodeStreamEventsResponse(payload)
	require.NoError(t, err)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, gcproto.EventTypeMessagePosted, decoded.Event.Type)
	assert.Equal(t, "user-11", decoded.Event.SenderID)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "truncated varint field", payload: []byte{0x08}},
		{name: "length past end of input", payload: []byte{0x0a, 0x05, 0x01}},
		{name: "truncated tag", payload: []byte{0x80}},
		{
			name: "malformed nested event",
			payload: func() []byte {
				var b []byte
				b = protowire.AppendTag(b, 1, protowire.BytesType)
				b = protowire.AppendBytes(b, []byte{0x08})
				return b
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gcproto.DecodeStreamEventsResponse(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrProtocolDecode)
		})
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	decoded, err := gcproto.DecodeStreamEventsResponse(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded.Event)
}

func TestSplitBodies(t *testing.T) {
	envelope := func(bodies ...*gcproto.EventBody) *gcproto.Event {
		return &gcproto.Event{
			Type:      gcproto.EventTypeMessagePosted,
			GroupID:   &gcproto.GroupID{DMID: "AAAAdm2"},
			SenderID:  "user-1",
			Timestamp: 1754000000000004,
			Revision:  12,
			Bodies:    bodies,
		}
	}

	t.Run("no body and no bodies yields nothing", func(t *testing.T) {
		assert.Empty(t, gcproto.SplitBodies(envelope()))
	})

	t.Run("inline body only yields the event itself", func(t *testing.T) {
		evt := envelope()
		evt.Body = &gcproto.EventBody{EventType: gcproto.EventTypeMessagePosted}

		out := gcproto.SplitBodies(evt)
		require.Len(t, out, 1)
		assert.Same(t, evt, out[0])
		assert.Nil(t, out[0].Bodies)
	})

	t.Run("embedded bodies become standalone events", func(t *testing.T) {
		typing := &gcproto.EventBody{EventType: gcproto.EventTypeTyping, Typing: &gcproto.TypingBody{Typing: true}}
		read := &gcproto.EventBody{EventType: gcproto.EventTypeReadReceipt, Read: &gcproto.ReadBody{ReadWatermark: 5}}
		evt := envelope(typing, read)

		out := gcproto.SplitBodies(evt)
		require.Len(t, out, 2)

		assert.Equal(t, gcproto.EventTypeTyping, out[0].Type)
		assert.Same(t, typing, out[0].Body)
		assert.Equal(t, gcproto.EventTypeReadReceipt, out[1].Type)
		assert.Same(t, read, out[1].Body)

		for _, split := range out {
			assert.Equal(t, "user-1", split.SenderID)
			assert.Equal(t, int64(12), split.Revision)
			assert.Same(t, evt.GroupID, split.GroupID)
			assert.Nil(t, split.Bodies)
		}
	})

	t.Run("inline body comes before embedded bodies", func(t *testing.T) {
		inline := &gcproto.EventBody{EventType: gcproto.EventTypeMessagePosted, Message: &gcproto.MessageBody{MessageID: "msg-4"}}
		typing := &gcproto.EventBody{EventType: gcproto.EventTypeTyping, Typing: &gcproto.TypingBody{Typing: false}}
		read := &gcproto.EventBody{EventType: gcproto.EventTypeReadReceipt, Read: &gcproto.ReadBody{ReadWatermark: 9}}
		evt := envelope(typing, read)
		evt.Body = inline

		out := gcproto.SplitBodies(evt)
		require.Len(t, out, 3)
		assert.Same(t, evt, out[0])
		assert.Equal(t, gcproto.EventTypeMessagePosted, out[0].Type)
		assert.Same(t, typing, out[1].Body)
		assert.Equal(t, gcproto.EventTypeTyping, out[1].Type)
		assert.Same(t, read, out[2].Body)
		assert.Equal(t, gcproto.EventTypeReadReceipt, out[2].Type)
	})
}

func TestToDomainEvent(t *testing.T) {
	postedAt := time.Date(2025, time.June, 7, 12, 30, 0, 0, time.UTC)

	t.Run("posted message in a dm", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:      gcproto.EventTypeMessagePosted,
			GroupID:   &gcproto.GroupID{DMID: "AAAAdm3"},
			SenderID:  "user-21",
			Timestamp: postedAt.UnixMicro(),
			Revision:  31,
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMessagePosted,
				Message: &gcproto.MessageBody{
					MessageID: "msg-5",
					LocalID:   "gchatstream%echo-2",
					Text:      "ping",
				},
			},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeMessage, out.Type)
		assert.Equal(t, "dm:AAAAdm3", out.Conversation.String())
		assert.True(t, out.Conversation.IsDM())
		assert.Equal(t, "user-21", out.Sender.String())
		assert.True(t, out.Timestamp.Equal(postedAt))
		assert.Equal(t, domain.NewRevision(31), out.Revision)
		assert.Equal(t, "msg-5", out.Message.String())
		assert.Equal(t, "gchatstream%echo-2", out.LocalID.String())
		assert.True(t, out.LocalID.IsOwn())
		assert.Equal(t, "ping", out.Text)
		assert.True(t, out.IsLocalEchoCandidate())
	})

	t.Run("edit in a space carries edit time", func(t *testing.T) {
		editedAt := postedAt.Add(2 * time.Minute)
		evt := &gcproto.Event{
			Type:    gcproto.EventTypeMessageEdited,
			GroupID: &gcproto.GroupID{SpaceID: "AAAAspace3"},
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMessageEdited,
				Message: &gcproto.MessageBody{
					MessageID:    "msg-6",
					Text:         "fixed typo",
					LastEditTime: editedAt.UnixMicro(),
				},
			},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeEdit, out.Type)
		assert.Equal(t, "space:AAAAspace3", out.Conversation.String())
		assert.True(t, out.EditTimestamp.Equal(editedAt))
		assert.True(t, out.Timestamp.IsZero())
	})

	t.Run("typing event", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:    gcproto.EventTypeTyping,
			GroupID: &gcproto.GroupID{DMID: "AAAAdm4"},
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeTyping,
				Typing:    &gcproto.TypingBody{Typing: true},
			},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeTyping, out.Type)
		assert.True(t, out.Typing)
	})

	t.Run("read receipt watermark", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:    gcproto.EventTypeReadReceipt,
			GroupID: &gcproto.GroupID{SpaceID: "AAAAspace4"},
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeReadReceipt,
				Read:      &gcproto.ReadBody{ReadWatermark: postedAt.UnixMicro()},
			},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeReadReceipt, out.Type)
		assert.True(t, out.ReadWatermark.Equal(postedAt))
	})

	t.Run("membership change with members", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:    gcproto.EventTypeMembershipChanged,
			GroupID: &gcproto.GroupID{SpaceID: "AAAAspace5"},
			Body: &gcproto.EventBody{
				EventType: gcproto.EventTypeMembershipChanged,
				Membership: &gcproto.MembershipBody{
					Change:    gcproto.MembershipChangeLeft,
					MemberIDs: []string{"user-30", "user-31"},
				},
			},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeMembership, out.Type)
		assert.Equal(t, domain.MembershipLeft, out.Change)
		require.Len(t, out.Members, 2)
		assert.Equal(t, "user-30", out.Members[0].String())
		assert.Equal(t, "user-31", out.Members[1].String())
	})

	t.Run("unrecognized type maps to unknown", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:    gcproto.EventType(120),
			GroupID: &gcproto.GroupID{DMID: "AAAAdm5"},
		}

		out, err := gcproto.ToDomainEvent(evt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeUnknown, out.Type)
	})

	t.Run("missing conversation is rejected", func(t *testing.T) {
		_, err := gcproto.ToDomainEvent(&gcproto.Event{Type: gcproto.EventTypeMessagePosted})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrProtocolDecode)
	})

	t.Run("empty conversation is rejected", func(t *testing.T) {
		evt := &gcproto.Event{
			Type:    gcproto.EventTypeMessagePosted,
			GroupID: &gcproto.GroupID{},
		}
		_, err := gcproto.ToDomainEvent(evt)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrProtocolDecode)
	})
}
