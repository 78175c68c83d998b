// Package domain contains the pure types of the bridge core: identifiers,
// events, errors, and the clock interface. It has no knowledge of transports
// or stores.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Conversation id prefixes on the wire. A Google Chat conversation is either
// a direct message or a space, and the textual form keeps the distinction.
const (
	dmPrefix    = "dm:"
	spacePrefix = "space:"
)

// ConversationID is a value object for a backend conversation ("group").
// Always valid in memory - use NewConversationID to construct.
type ConversationID struct {
	value string
}

// NewConversationID creates a ConversationID from its textual form,
// validating the dm:/space: prefix convention.
func NewConversationID(raw string) (ConversationID, error) {
	if raw == "" {
		return ConversationID{}, ErrEmptyID
	}
	rest, ok := strings.CutPrefix(raw, dmPrefix)
	if !ok {
		rest, ok = strings.CutPrefix(raw, spacePrefix)
	}
	if !ok || rest == "" {
		return ConversationID{}, fmt.Errorf("conversation ID %q must be dm:<id> or space:<id>: %w", raw, ErrInvalidID)
	}
	return ConversationID{value: raw}, nil
}

// MustConversationID creates a ConversationID, panicking on invalid input.
// Use only in tests.
func MustConversationID(raw string) ConversationID {
	id, err := NewConversationID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// DMConversationID builds the id for a direct-message conversation.
func DMConversationID(dmID string) (ConversationID, error) {
	return NewConversationID(dmPrefix + dmID)
}

// SpaceConversationID builds the id for a space conversation.
func SpaceConversationID(spaceID string) (ConversationID, error) {
	return NewConversationID(spacePrefix + spaceID)
}

// IsDM reports whether the conversation is a direct message.
func (id ConversationID) IsDM() bool { return strings.HasPrefix(id.value, dmPrefix) }

// Raw returns the id without its dm:/space: prefix.
func (id ConversationID) Raw() string {
	if rest, ok := strings.CutPrefix(id.value, dmPrefix); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(id.value, spacePrefix); ok {
		return rest
	}
	return id.value
}

func (id ConversationID) String() string { return id.value }
func (id ConversationID) IsZero() bool   { return id.value == "" }

// MessageID is a value object for a server-assigned message identifier.
// The backend guarantees uniqueness; this layer only requires presence.
type MessageID struct {
	value string
}

// NewMessageID creates a MessageID from a raw string.
func NewMessageID(raw string) (MessageID, error) {
	if raw == "" {
		return MessageID{}, ErrEmptyID
	}
	return MessageID{value: raw}, nil
}

// MustMessageID creates a MessageID, panicking on invalid input. Use only in tests.
func MustMessageID(raw string) MessageID {
	id, err := NewMessageID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id MessageID) String() string { return id.value }
func (id MessageID) IsZero() bool   { return id.value == "" }

// UserID is a value object for a backend user identifier.
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// LocalIDPrefix marks idempotency tokens minted by this client. The backend
// echoes the token back verbatim on the corresponding message event, which is
// how local echoes are recognized.
const LocalIDPrefix = "gchatstream%"

// LocalID is a value object for a client-generated message idempotency token.
type LocalID struct {
	value string
}

// NewLocalID wraps a raw token. Tokens from other clients (or absent ones)
// are representable; only this client's own tokens match the echo set.
func NewLocalID(raw string) LocalID {
	return LocalID{value: raw}
}

// GenerateLocalID mints a fresh idempotency token.
func GenerateLocalID() LocalID {
	return LocalID{value: LocalIDPrefix + uuid.NewString()}
}

// IsOwn reports whether the token was minted by this client.
func (id LocalID) IsOwn() bool { return strings.HasPrefix(id.value, LocalIDPrefix) }

func (id LocalID) String() string { return id.value }
func (id LocalID) IsZero() bool   { return id.value == "" }

// Revision is a per-conversation monotonically increasing state version
// assigned by the backend. Zero means "not carried on this event".
type Revision int64

// NewRevision creates a Revision from a raw int64.
func NewRevision(raw int64) Revision {
	return Revision(raw)
}

func (r Revision) Int64() int64 { return int64(r) }
func (r Revision) IsZero() bool { return r == 0 }

// After reports whether r is strictly newer than other. The persisted
// high-water mark may only advance when this holds.
func (r Revision) After(other Revision) bool {
	return r > other
}
