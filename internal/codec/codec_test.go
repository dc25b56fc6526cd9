package codec

import (
	"testing"

	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/protocolids"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()
	f := interfaces.Frame{
		RootVector: protocolids.VectorRoot,
		E133Vector: protocolids.VectorFramingRdmnet,
		Sequence:   42,
		Endpoint:   7,
		Payload:    []byte("rdm request payload"),
	}

	wire, err := c.Encode(f)
	require.NoError(t, err)

	frames, consumed, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), consumed)
	require.Len(t, frames, 1)
	require.Equal(t, f, frames[0])
}

func TestDecodeReturnsMultipleFramesFromOneBuffer(t *testing.T) {
	c := New()
	f1 := interfaces.Frame{RootVector: protocolids.VectorRoot, E133Vector: protocolids.VectorFramingStatus, Sequence: 1}
	f2 := interfaces.Frame{RootVector: protocolids.VectorRoot, E133Vector: protocolids.VectorFramingRdmnet, Sequence: 2, Payload: []byte("x")}

	w1, err := c.Encode(f1)
	require.NoError(t, err)
	w2, err := c.Encode(f2)
	require.NoError(t, err)

	buf := append(append([]byte{}, w1...), w2...)
	frames, consumed, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.Len(t, frames, 2)
	require.Equal(t, uint32(1), frames[0].Sequence)
	require.Equal(t, uint32(2), frames[1].Sequence)
}

func TestDecodeLeavesPartialTrailingFrameUnconsumed(t *testing.T) {
	c := New()
	f := interfaces.Frame{RootVector: protocolids.VectorRoot, E133Vector: protocolids.VectorFramingRdmnet, Payload: []byte("hello")}
	wire, err := c.Encode(f)
	require.NoError(t, err)

	partial := wire[:len(wire)-2]
	frames, consumed, err := c.Decode(partial)
	require.NoError(t, err)
	require.Equal(t, 0, consumed)
	require.Empty(t, frames)

	full := append(append([]byte{}, partial...), wire[len(wire)-2:]...)
	frames, consumed, err = c.Decode(full)
	require.NoError(t, err)
	require.Equal(t, len(full), consumed)
	require.Len(t, frames, 1)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	c := New()
	buf := make([]byte, 4)
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF

	_, _, err := c.Decode(buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsUndersizedHeader(t *testing.T) {
	c := New()
	buf := make([]byte, 4)
	buf[3] = 3 // total length 3, shorter than headerSize

	_, _, err := c.Decode(buf)
	require.Error(t, err)
}

func TestEncodeProducesNilPayloadOnEmptyFrame(t *testing.T) {
	c := New()
	f := interfaces.Frame{RootVector: protocolids.VectorRoot, E133Vector: protocolids.VectorFramingStatus}
	wire, err := c.Encode(f)
	require.NoError(t, err)

	frames, _, err := c.Decode(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Empty(t, frames[0].Payload)
}
