// Package codec is the minimal, deliberately non-exhaustive concrete
// implementation of interfaces.Codec named in spec.md §6/SPEC_FULL.md §6:
// a length-prefixed ACN root-layer frame carrying one E1.33 PDU. Full ACN
// PDU nesting (vendor-specific roots, RLP flag bits) is explicitly out of
// scope (spec.md Non-goals); this exists only so the rest of the module
// can be exercised end-to-end without a real ACN stack.
//
// Wire layout, big-endian throughout:
//
//	uint32 totalLength   // bytes following this field
//	uint32 rootVector
//	uint32 e133Vector
//	uint32 sequence
//	uint16 endpoint
//	[]byte payload       // totalLength - headerSize bytes
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
)

// headerSize is the fixed portion of a frame after the length prefix:
// 4 (root vector) + 4 (e133 vector) + 4 (sequence) + 2 (endpoint).
const headerSize = 14

// lengthPrefixSize is the leading uint32 total-length field's width.
const lengthPrefixSize = 4

// MaxFramePayload bounds a single frame so a corrupt or hostile peer
// can't force an unbounded length-prefixed allocation.
const MaxFramePayload = 1 << 20

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

// ErrShortPayload is returned by Encode when payload plus header would
// exceed MaxFramePayload, the same bound Decode enforces.
var ErrShortPayload = errors.New("codec: payload too large to encode")

// ACNRootCodec implements interfaces.Codec.
type ACNRootCodec struct{}

var _ interfaces.Codec = ACNRootCodec{}

// New returns the length-prefixed ACN root-layer codec.
func New() ACNRootCodec {
	return ACNRootCodec{}
}

// Encode renders f as one length-prefixed frame.
func (ACNRootCodec) Encode(f interfaces.Frame) ([]byte, error) {
	total := headerSize + len(f.Payload)
	if total > MaxFramePayload {
		return nil, ErrShortPayload
	}

	buf := make([]byte, lengthPrefixSize+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.RootVector))
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.E133Vector))
	binary.BigEndian.PutUint32(buf[12:16], f.Sequence)
	binary.BigEndian.PutUint16(buf[16:18], f.Endpoint)
	copy(buf[18:], f.Payload)
	return buf, nil
}

// Decode consumes as many complete frames as are present in buf.
func (ACNRootCodec) Decode(buf []byte) ([]interfaces.Frame, int, error) {
	var frames []interfaces.Frame
	consumed := 0

	for {
		remaining := buf[consumed:]
		if len(remaining) < lengthPrefixSize {
			return frames, consumed, nil
		}

		total := binary.BigEndian.Uint32(remaining[:lengthPrefixSize])
		if total > MaxFramePayload {
			return frames, consumed, ErrFrameTooLarge
		}
		if total < headerSize {
			return frames, consumed, fmt.Errorf("codec: frame length %d shorter than header", total)
		}

		frameEnd := lengthPrefixSize + int(total)
		if len(remaining) < frameEnd {
			return frames, consumed, nil
		}

		body := remaining[lengthPrefixSize:frameEnd]
		f := interfaces.Frame{
			RootVector: protocolids.RootVector(binary.BigEndian.Uint32(body[0:4])),
			E133Vector: protocolids.E133Vector(binary.BigEndian.Uint32(body[4:8])),
			Sequence:   binary.BigEndian.Uint32(body[8:12]),
			Endpoint:   binary.BigEndian.Uint16(body[12:14]),
		}
		if payloadLen := len(body) - headerSize; payloadLen > 0 {
			f.Payload = append([]byte(nil), body[headerSize:]...)
		}

		frames = append(frames, f)
		consumed += frameEnd
	}
}
