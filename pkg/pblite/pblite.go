// Package pblite parses the array-framed JSON payloads carried by the
// streaming channel. Each decoded chunk holds a container array of
// numbered inner arrays, the session announcement arrives as a nested
// array headed by a "c" marker, and protobuf payloads travel inside a
// {"data": "<base64>"} envelope.
package pblite

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed reports wire data that does not match the expected
// array shapes.
var ErrMalformed = errors.New("pblite: malformed array")

// DataArray is the payload portion of a numbered inner array. Elements
// are kept raw so callers can classify them before decoding.
type DataArray []json.RawMessage

// Array is one numbered inner array from a container chunk. ID is the
// server-assigned sequence number acknowledged back on later requests.
type Array struct {
	ID   int64
	Data DataArray
}

// payloadEnvelope is the JSON object wrapping an encoded protobuf
// message on both directions of the channel.
type payloadEnvelope struct {
	Data *string `json:"data"`
}

// ParseContainer decodes a chunk into its inner arrays. The chunk must
// be an array of [id, dataArray] pairs.
func ParseContainer(raw []byte) ([]Array, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("%w: container: %v", ErrMalformed, err)
	}

	arrays := make([]Array, 0, len(outer))
	for i, item := range outer {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil {
			return nil, fmt.Errorf("%w: inner array %d: %v", ErrMalformed, i, err)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: inner array %d has %d elements, want 2", ErrMalformed, i, len(pair))
		}

		var id int64
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return nil, fmt.Errorf("%w: inner array %d id: %v", ErrMalformed, i, err)
		}
		var data DataArray
		if err := json.Unmarshal(pair[1], &data); err != nil {
			return nil, fmt.Errorf("%w: inner array %d data: %v", ErrMalformed, i, err)
		}

		arrays = append(arrays, Array{ID: id, Data: data})
	}
	return arrays, nil
}

// ParseSIDAnnouncement extracts the session ID from the initial
// response array, shaped [[0,["c","<SID>",...]],...].
func ParseSIDAnnouncement(raw []byte) (string, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", fmt.Errorf("%w: announcement: %v", ErrMalformed, err)
	}
	if len(outer) == 0 {
		return "", fmt.Errorf("%w: empty announcement", ErrMalformed)
	}

	var first []json.RawMessage
	if err := json.Unmarshal(outer[0], &first); err != nil {
		return "", fmt.Errorf("%w: announcement head: %v", ErrMalformed, err)
	}
	if len(first) < 2 {
		return "", fmt.Errorf("%w: announcement head has %d elements, want at least 2", ErrMalformed, len(first))
	}

	var inner []json.RawMessage
	if err := json.Unmarshal(first[1], &inner); err != nil {
		return "", fmt.Errorf("%w: announcement body: %v", ErrMalformed, err)
	}
	if len(inner) < 2 {
		return "", fmt.Errorf("%w: announcement body has %d elements, want at least 2", ErrMalformed, len(inner))
	}

	var sid string
	if err := json.Unmarshal(inner[1], &sid); err != nil {
		return "", fmt.Errorf("%w: session id: %v", ErrMalformed, err)
	}
	return sid, nil
}

// IsNoop reports whether the array is a keep-alive with no payload.
func (d DataArray) IsNoop() bool {
	if len(d) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(d[0], &s); err != nil {
		return false
	}
	return s == "noop"
}

// Payload returns the base64-decoded protobuf bytes from the envelope
// in the array's first element.
func (d DataArray) Payload() ([]byte, error) {
	if len(d) == 0 {
		return nil, fmt.Errorf("%w: empty data array", ErrMalformed)
	}
	var env payloadEnvelope
	if err := json.Unmarshal(d[0], &env); err != nil {
		return nil, fmt.Errorf("%w: payload envelope: %v", ErrMalformed, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: payload envelope missing data field", ErrMalformed)
	}
	decoded, err := base64.StdEncoding.DecodeString(*env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload base64: %v", ErrMalformed, err)
	}
	return decoded, nil
}

// EncodePayload wraps encoded protobuf bytes in the JSON envelope used
// on the forward channel.
func EncodePayload(payload []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(payloadEnvelope{Data: &encoded})
}
