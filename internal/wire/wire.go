// Package wire defines the fixed-width little-endian header layouts that
// ride in front of every datagram, and the guarantee/packet-type tags that
// tell a receiver which optional headers follow the standard one.
package wire

import (
	"encoding/binary"
	"errors"
)

// ProtocolVersion is stamped into every StandardHeader. A receiver that sees
// any other value discards the datagram outright (strict equality, no
// tolerated-minor-version mode).
const ProtocolVersion uint16 = 1

// Guarantee selects the reliability/ordering semantics of one application
// message.
type Guarantee uint8

const (
	Unreliable Guarantee = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableSequenced
	ReliableOrdered
)

func (g Guarantee) String() string {
	switch g {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return "Unknown"
	}
}

// IsReliable reports whether this guarantee carries an AckedHeader and is
// tracked in the sent buffer for retransmission.
func (g Guarantee) IsReliable() bool {
	switch g {
	case ReliableUnordered, ReliableSequenced, ReliableOrdered:
		return true
	default:
		return false
	}
}

// IsSequenced reports whether this guarantee uses the "newest wins"
// arranging system.
func (g Guarantee) IsSequenced() bool {
	return g == UnreliableSequenced || g == ReliableSequenced
}

// IsOrdered reports whether this guarantee uses the gapless arranging
// system.
func (g Guarantee) IsOrdered() bool {
	return g == ReliableOrdered
}

// HasArranging reports whether this guarantee carries an ArrangingHeader.
func (g Guarantee) HasArranging() bool {
	return g.IsSequenced() || g.IsOrdered()
}

// PacketType distinguishes an application payload from the control
// datagrams the engine emits on its own (heartbeats carry PacketType
// Heartbeat with a zero-length payload; fragments are PacketType Data with
// FragmentHeader present).
type PacketType uint8

const (
	TypeData PacketType = iota
	TypeHeartbeat
)

// StandardHeaderSize is the fixed size, in bytes, of the header present on
// every datagram: version(2) + type(1) + guarantee(1) + streamID(1) + flags(1).
const StandardHeaderSize = 6

// AckedHeaderSize is the fixed size of the optional reliability header.
const AckedHeaderSize = 10

// ArrangingHeaderSize is the fixed size of the optional ordering/sequencing header.
const ArrangingHeaderSize = 3

// FragmentHeaderSize is the fixed size of the optional fragmentation header.
const FragmentHeaderSize = 4

var (
	ErrShortBuffer     = errors.New("wire: buffer too short for header")
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrMalformedHeader = errors.New("wire: malformed header")
)

// Flag bits occupy the byte the original layout reserved. They let a
// receiver tell, datagram by datagram, which optional headers follow
// without needing to have already seen fragment index 0.
const (
	// FlagFragmented marks any datagram that is one piece of a split
	// message (set on every fragment, including index 0).
	FlagFragmented uint8 = 1 << 0
	// FlagContinuation marks a fragment with index > 0: its AckedHeader
	// and ArrangingHeader, if any, live on fragment 0 only, so this
	// datagram carries neither.
	FlagContinuation uint8 = 1 << 1
)

// StandardHeader is present on every datagram.
type StandardHeader struct {
	Version   uint16
	Type      PacketType
	Guarantee Guarantee
	StreamID  uint8
	Flags     uint8
}

// Encode appends the StandardHeader's wire bytes to dst and returns the result.
func (h StandardHeader) Encode(dst []byte) []byte {
	var buf [StandardHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], ProtocolVersion)
	buf[2] = byte(h.Type)
	buf[3] = byte(h.Guarantee)
	buf[4] = h.StreamID
	buf[5] = h.Flags
	return append(dst, buf[:]...)
}

// DecodeStandardHeader parses the StandardHeader from the front of b and
// returns it along with the number of bytes consumed.
func DecodeStandardHeader(b []byte) (StandardHeader, int, error) {
	if len(b) < StandardHeaderSize {
		return StandardHeader{}, 0, ErrShortBuffer
	}
	version := binary.LittleEndian.Uint16(b[0:2])
	if version != ProtocolVersion {
		return StandardHeader{}, 0, ErrVersionMismatch
	}
	h := StandardHeader{
		Version:   version,
		Type:      PacketType(b[2]),
		Guarantee: Guarantee(b[3]),
		StreamID:  b[4],
		Flags:     b[5],
	}
	if h.Type > TypeHeartbeat || h.Guarantee > ReliableOrdered {
		return StandardHeader{}, 0, ErrMalformedHeader
	}
	return h, StandardHeaderSize, nil
}

// AckedHeader carries the reliability bookkeeping: the sender's own
// sequence number plus its acknowledgement of the peer's recent sequences.
type AckedHeader struct {
	Sequence         uint16
	LatestReceived   uint16
	ReceivedBitfield uint32
}

func (h AckedHeader) Encode(dst []byte) []byte {
	var buf [AckedHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Sequence)
	binary.LittleEndian.PutUint16(buf[2:4], h.LatestReceived)
	binary.LittleEndian.PutUint32(buf[4:8], h.ReceivedBitfield)
	// bytes 8:10 reserved for future use (e.g. extended congestion signal)
	return append(dst, buf[:]...)
}

func DecodeAckedHeader(b []byte) (AckedHeader, int, error) {
	if len(b) < AckedHeaderSize {
		return AckedHeader{}, 0, ErrShortBuffer
	}
	h := AckedHeader{
		Sequence:         binary.LittleEndian.Uint16(b[0:2]),
		LatestReceived:   binary.LittleEndian.Uint16(b[2:4]),
		ReceivedBitfield: binary.LittleEndian.Uint32(b[4:8]),
	}
	return h, AckedHeaderSize, nil
}

// ArrangingHeader carries the per-stream ordering/sequencing identifier.
type ArrangingHeader struct {
	ArrangingID uint16
	StreamID    uint8
}

func (h ArrangingHeader) Encode(dst []byte) []byte {
	var buf [ArrangingHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.ArrangingID)
	buf[2] = h.StreamID
	return append(dst, buf[:]...)
}

func DecodeArrangingHeader(b []byte) (ArrangingHeader, int, error) {
	if len(b) < ArrangingHeaderSize {
		return ArrangingHeader{}, 0, ErrShortBuffer
	}
	h := ArrangingHeader{
		ArrangingID: binary.LittleEndian.Uint16(b[0:2]),
		StreamID:    b[2],
	}
	return h, ArrangingHeaderSize, nil
}

// FragmentHeader groups the fragments of one oversized application message.
type FragmentHeader struct {
	FragmentID    uint16
	FragmentIndex uint8
	TotalFragments uint8
}

func (h FragmentHeader) Encode(dst []byte) []byte {
	var buf [FragmentHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.FragmentID)
	buf[2] = h.FragmentIndex
	buf[3] = h.TotalFragments
	return append(dst, buf[:]...)
}

func DecodeFragmentHeader(b []byte) (FragmentHeader, int, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, 0, ErrShortBuffer
	}
	h := FragmentHeader{
		FragmentID:     binary.LittleEndian.Uint16(b[0:2]),
		FragmentIndex:  b[2],
		TotalFragments: b[3],
	}
	return h, FragmentHeaderSize, nil
}

// SeqGreater reports whether sequence a is "more recent" than b under
// 16-bit wraparound, using the signed-difference predicate from the design
// notes: positive (a - b) as int16 means a is newer.
func SeqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// SeqDiff returns (a - b) as a signed 16-bit quantity, wraparound aware.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}
