package channel

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/averla/gchatstream/internal/domain"
)

// maxLengthDigits bounds the decimal length header of a frame. A longer
// run of digits with no terminator means the stream is not framed data.
const maxLengthDigits = 9

// ChunkDecoder reassembles length-prefixed chunks from the streamed
// long-poll body. Frames arrive as "<length>\n<payload>" where length
// counts UTF-16 code units of the payload, not bytes. Bytes may arrive
// split anywhere, including in the middle of a multi-byte character, so
// the decoder buffers raw bytes and only decodes complete characters.
type ChunkDecoder struct {
	buf []byte
}

// NewChunkDecoder creates an empty decoder.
func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{}
}

// Reset discards all buffered bytes. Call between long-poll attempts so
// a partial frame from a dead connection never bleeds into the next.
func (d *ChunkDecoder) Reset() {
	d.buf = nil
}

// Push appends p to the buffer and returns every chunk that is now
// complete, in order. Safe to call with empty input.
func (d *ChunkDecoder) Push(p []byte) ([]string, error) {
	d.buf = append(d.buf, p...)

	var chunks []string
	for {
		chunk, ok, err := d.next()
		if err != nil {
			return chunks, err
		}
		if !ok {
			return chunks, nil
		}
		chunks = append(chunks, chunk)
	}
}

// next extracts one complete frame from the buffer. ok is false when
// more bytes are needed.
func (d *ChunkDecoder) next() (chunk string, ok bool, err error) {
	text, err := decodeCompleteRunes(d.buf)
	if err != nil {
		return "", false, err
	}
	units := utf16.Encode([]rune(text))

	// Parse the "<digits>\n" header in code units. Digits and the
	// newline are ASCII, one byte each in the raw buffer.
	headerLen := 0
	for headerLen < len(units) && units[headerLen] != '\n' {
		if units[headerLen] < '0' || units[headerLen] > '9' {
			return "", false, fmt.Errorf("%w: non-numeric frame length header", domain.ErrProtocolDecode)
		}
		if headerLen >= maxLengthDigits {
			return "", false, fmt.Errorf("%w: frame length header too long", domain.ErrProtocolDecode)
		}
		headerLen++
	}
	if headerLen == len(units) {
		return "", false, nil
	}
	if headerLen == 0 {
		return "", false, fmt.Errorf("%w: empty frame length header", domain.ErrProtocolDecode)
	}

	length := 0
	for _, u := range units[:headerLen] {
		length = length*10 + int(u-'0')
	}

	payload := units[headerLen+1:]
	if len(payload) < length {
		return "", false, nil
	}
	chunk = string(utf16.Decode(payload[:length]))

	// Drop header and payload from the raw buffer by their UTF-8 byte
	// lengths. The header is ASCII; the payload round-trips through
	// UTF-16 without changing its UTF-8 size.
	d.buf = d.buf[headerLen+1+len(chunk):]
	return chunk, true, nil
}

// decodeCompleteRunes decodes the longest prefix of b that is wholly
// valid UTF-8, leaving a trailing incomplete sequence for later bytes
// to finish. Invalid (not merely incomplete) UTF-8 is an error.
func decodeCompleteRunes(b []byte) (string, error) {
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(b[i:]) {
				break
			}
			return "", fmt.Errorf("%w: invalid UTF-8 in stream", domain.ErrProtocolDecode)
		}
		i += size
	}
	return string(b[:i]), nil
}
