package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStandardHeaderRoundTrip(t *testing.T) {
	h := StandardHeader{Type: TypeData, Guarantee: ReliableOrdered, StreamID: 7}
	buf := h.Encode(nil)
	require.Len(t, buf, StandardHeaderSize)

	got, n, err := DecodeStandardHeader(buf)
	require.NoError(t, err)
	require.Equal(t, StandardHeaderSize, n)
	require.Equal(t, ProtocolVersion, got.Version)
	require.Equal(t, TypeData, got.Type)
	require.Equal(t, ReliableOrdered, got.Guarantee)
	require.Equal(t, uint8(7), got.StreamID)
}

func TestStandardHeaderFlagsRoundTrip(t *testing.T) {
	h := StandardHeader{Type: TypeData, Guarantee: ReliableUnordered, StreamID: 1, Flags: FlagFragmented | FlagContinuation}
	buf := h.Encode(nil)
	got, _, err := DecodeStandardHeader(buf)
	require.NoError(t, err)
	require.Equal(t, FlagFragmented|FlagContinuation, got.Flags)
}

func TestStandardHeaderVersionMismatch(t *testing.T) {
	buf := StandardHeader{}.Encode(nil)
	buf[0] = 0xFF
	_, _, err := DecodeStandardHeader(buf)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestStandardHeaderShortBuffer(t *testing.T) {
	_, _, err := DecodeStandardHeader([]byte{0x01})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestAckedHeaderRoundTrip(t *testing.T) {
	h := AckedHeader{Sequence: 42, LatestReceived: 41, ReceivedBitfield: 0xDEADBEEF}
	buf := h.Encode(nil)
	require.Len(t, buf, AckedHeaderSize)

	got, n, err := DecodeAckedHeader(buf)
	require.NoError(t, err)
	require.Equal(t, AckedHeaderSize, n)
	require.Equal(t, h, got)
}

func TestArrangingHeaderRoundTrip(t *testing.T) {
	h := ArrangingHeader{ArrangingID: 999, StreamID: 3}
	buf := h.Encode(nil)
	got, n, err := DecodeArrangingHeader(buf)
	require.NoError(t, err)
	require.Equal(t, ArrangingHeaderSize, n)
	require.Equal(t, h, got)
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{FragmentID: 555, FragmentIndex: 2, TotalFragments: 9}
	buf := h.Encode(nil)
	got, n, err := DecodeFragmentHeader(buf)
	require.NoError(t, err)
	require.Equal(t, FragmentHeaderSize, n)
	require.Equal(t, h, got)
}

func TestSeqGreaterWraparound(t *testing.T) {
	require.True(t, SeqGreater(1, 0))
	require.False(t, SeqGreater(0, 1))
	// wraparound: 0 is newer than 65535
	require.True(t, SeqGreater(0, 65535))
	require.False(t, SeqGreater(65535, 0))
}

func TestGuaranteeClassification(t *testing.T) {
	require.True(t, ReliableOrdered.IsReliable())
	require.True(t, ReliableOrdered.IsOrdered())
	require.False(t, ReliableOrdered.IsSequenced())

	require.True(t, UnreliableSequenced.IsSequenced())
	require.False(t, UnreliableSequenced.IsReliable())

	require.False(t, Unreliable.HasArranging())
	require.True(t, ReliableSequenced.HasArranging())
}
