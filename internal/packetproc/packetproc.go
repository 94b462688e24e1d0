// Package packetproc implements the outgoing and incoming packet paths
// described in SPEC_FULL.md §4.3: header framing, fragmentation and
// reassembly, the resend engine, and routing into the arranging systems. It
// operates on one connection.Connection at a time and is exercised
// exclusively from the single driver goroutine — nothing here locks.
package packetproc

import (
	"errors"
	"time"

	"rudp/internal/config"
	"rudp/internal/connection"
	"rudp/internal/telemetry"
	"rudp/internal/wire"
	"rudp/internal/xlog"
)

var (
	// ErrPayloadTooLarge is returned when a submission exceeds fragment_size*max_fragments.
	ErrPayloadTooLarge = errors.New("packetproc: payload exceeds fragment_size * max_fragments")
	// ErrSentBufferFull is returned when a reliable submission would exceed max_packets_in_flight.
	ErrSentBufferFull = errors.New("packetproc: sent buffer at max_packets_in_flight, submission back-pressured")
)

// Delivery is one application-visible payload ready for the event queue.
type Delivery struct {
	StreamID  uint8
	Guarantee wire.Guarantee
	Payload   []byte
}

// Processor holds the dependencies shared across every connection it
// services: config, metrics, and a logger. It carries no per-connection
// state itself.
type Processor struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
	log     *xlog.Logger
}

// New returns a Processor bound to cfg, reporting to metrics (may be nil)
// and logging through log.
func New(cfg *config.Config, metrics *telemetry.Metrics, log *xlog.Logger) *Processor {
	return &Processor{cfg: cfg, metrics: metrics, log: log}
}

// EncodeOutgoing implements the outgoing path (§4.3 steps 1-6). It returns
// one datagram, or several if the payload required fragmentation, ready to
// hand to the endpoint.
func (p *Processor) EncodeOutgoing(conn *connection.Connection, streamID uint8, guarantee wire.Guarantee, payload []byte, now time.Time) ([][]byte, error) {
	if len(payload) > p.cfg.MaxPayload() {
		return nil, ErrPayloadTooLarge
	}
	if guarantee.IsReliable() && conn.SentBufferFull() {
		return nil, ErrSentBufferFull
	}

	var arrangingID uint16
	if guarantee.HasArranging() {
		arrangingID = conn.NextArrangingID(streamID)
	}

	var localSeq uint16
	if guarantee.IsReliable() {
		localSeq = conn.NextLocalSeq()
	}

	datagrams := p.encodeDatagrams(conn, streamID, guarantee, localSeq, arrangingID, payload)

	if guarantee.IsReliable() {
		conn.SentBuffer[localSeq] = connection.SentEntry{
			SendTime:     now,
			Payload:      payload,
			Guarantee:    guarantee,
			StreamID:     streamID,
			ArrangingID:  arrangingID,
			HasArranging: guarantee.HasArranging(),
		}
	}
	conn.LastSent = now
	p.metrics.ObserveSent(guarantee.String())
	return datagrams, nil
}

// encodeDatagrams builds the wire bytes for one submission (fresh send or
// resend): fragment 0 carries the full header suite, trailing fragments
// carry only Standard + Fragment, per §4.3 step 3.
func (p *Processor) encodeDatagrams(conn *connection.Connection, streamID uint8, guarantee wire.Guarantee, localSeq, arrangingID uint16, payload []byte) [][]byte {
	chunks := splitPayload(payload, p.cfg.FragmentSize)
	fragmented := len(chunks) > 1
	var fragID uint16
	if fragmented {
		fragID = conn.NextFragID()
	}

	datagrams := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		var flags uint8
		if fragmented {
			flags |= wire.FlagFragmented
			if i > 0 {
				flags |= wire.FlagContinuation
			}
		}
		std := wire.StandardHeader{Type: wire.TypeData, Guarantee: guarantee, StreamID: streamID, Flags: flags}
		buf := std.Encode(nil)

		if i == 0 {
			if guarantee.IsReliable() {
				latest, bitfield := conn.AckFields()
				acked := wire.AckedHeader{Sequence: localSeq, LatestReceived: latest, ReceivedBitfield: bitfield}
				buf = acked.Encode(buf)
			}
			if guarantee.HasArranging() {
				arr := wire.ArrangingHeader{ArrangingID: arrangingID, StreamID: streamID}
				buf = arr.Encode(buf)
			}
		}
		if fragmented {
			frag := wire.FragmentHeader{FragmentID: fragID, FragmentIndex: uint8(i), TotalFragments: uint8(len(chunks))}
			buf = frag.Encode(buf)
		}
		buf = append(buf, chunk...)
		datagrams = append(datagrams, buf)
	}
	return datagrams
}

// EncodeHeartbeat builds the zero-payload Unreliable keep-alive packet the
// driver sends when a connection has been idle past its heartbeat interval.
// Heartbeats are never fragmented and carry no AckedHeader: Unreliable
// guarantees don't have one.
func (p *Processor) EncodeHeartbeat(conn *connection.Connection, now time.Time) []byte {
	std := wire.StandardHeader{Type: wire.TypeHeartbeat, Guarantee: wire.Unreliable, StreamID: 0}
	buf := std.Encode(nil)
	conn.LastSent = now
	return buf
}

func splitPayload(payload []byte, chunkSize int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

// HandleIncoming implements the incoming path (§4.3 steps 1-5) for one
// datagram already associated with conn. It returns zero or more deliveries
// ready for the event queue.
func (p *Processor) HandleIncoming(conn *connection.Connection, data []byte, now time.Time) ([]Delivery, error) {
	std, n, err := wire.DecodeStandardHeader(data)
	if err != nil {
		p.metrics.ObserveDropped("bad_header")
		return nil, err
	}
	rest := data[n:]
	conn.LastHeard = now

	continuation := std.Flags&wire.FlagContinuation != 0

	if continuation {
		frag, m, err := wire.DecodeFragmentHeader(rest)
		if err != nil {
			p.metrics.ObserveDropped("bad_header")
			return nil, err
		}
		rest = rest[m:]
		return p.acceptFragment(conn, std, frag, rest, now)
	}

	var acked wire.AckedHeader
	hasAcked := std.Guarantee.IsReliable()
	if hasAcked {
		var m int
		acked, m, err = wire.DecodeAckedHeader(rest)
		if err != nil {
			p.metrics.ObserveDropped("bad_header")
			return nil, err
		}
		rest = rest[m:]

		if !conn.AcceptIncomingSeq(acked.Sequence) {
			p.metrics.ObserveDropped("duplicate")
			return nil, nil
		}
		for _, sample := range conn.ApplyPeerAck(acked.LatestReceived, acked.ReceivedBitfield, now) {
			conn.UpdateRTT(sample)
		}
	}

	var arr wire.ArrangingHeader
	hasArranging := std.Guarantee.HasArranging()
	if hasArranging {
		var m int
		arr, m, err = wire.DecodeArrangingHeader(rest)
		if err != nil {
			p.metrics.ObserveDropped("bad_header")
			return nil, err
		}
		rest = rest[m:]
	}

	if std.Flags&wire.FlagFragmented != 0 {
		frag, m, err := wire.DecodeFragmentHeader(rest)
		if err != nil {
			p.metrics.ObserveDropped("bad_header")
			return nil, err
		}
		rest = rest[m:]
		return p.acceptFragmentHead(conn, std, arr, hasArranging, frag, rest, now)
	}

	p.metrics.ObserveReceived(std.Guarantee.String())
	if len(rest) == 0 && std.Type == wire.TypeHeartbeat {
		return nil, nil
	}
	return p.route(conn, std.StreamID, std.Guarantee, arr, hasArranging, rest, now)
}

func (p *Processor) acceptFragment(conn *connection.Connection, std wire.StandardHeader, frag wire.FragmentHeader, payload []byte, now time.Time) ([]Delivery, error) {
	asm := p.assemblyFor(conn, frag.FragmentID, frag.TotalFragments, now)
	asm.Guarantee = std.Guarantee
	asm.StreamID = std.StreamID
	return p.fillFragment(conn, frag, asm, payload, now)
}

func (p *Processor) acceptFragmentHead(conn *connection.Connection, std wire.StandardHeader, arr wire.ArrangingHeader, hasArranging bool, frag wire.FragmentHeader, payload []byte, now time.Time) ([]Delivery, error) {
	asm := p.assemblyFor(conn, frag.FragmentID, frag.TotalFragments, now)
	asm.Guarantee = std.Guarantee
	asm.StreamID = std.StreamID
	asm.HasArranging = hasArranging
	asm.ArrangingID = arr.ArrangingID
	return p.fillFragment(conn, frag, asm, payload, now)
}

func (p *Processor) assemblyFor(conn *connection.Connection, fragID uint16, total uint8, now time.Time) *connection.FragmentAssembly {
	asm, ok := conn.Reassembly[fragID]
	if !ok {
		asm = &connection.FragmentAssembly{
			Total:    total,
			Parts:    make([][]byte, total),
			Deadline: now.Add(p.cfg.ReassemblyTimeout()),
		}
		conn.Reassembly[fragID] = asm
	}
	return asm
}

func (p *Processor) fillFragment(conn *connection.Connection, frag wire.FragmentHeader, asm *connection.FragmentAssembly, payload []byte, now time.Time) ([]Delivery, error) {
	if int(frag.FragmentIndex) >= len(asm.Parts) {
		p.metrics.ObserveDropped("bad_header")
		return nil, wire.ErrMalformedHeader
	}
	if asm.Parts[frag.FragmentIndex] == nil {
		asm.Parts[frag.FragmentIndex] = payload
		asm.Have++
	}
	if asm.Have < int(asm.Total) {
		return nil, nil
	}

	total := 0
	for _, part := range asm.Parts {
		total += len(part)
	}
	full := make([]byte, 0, total)
	for _, part := range asm.Parts {
		full = append(full, part...)
	}
	delete(conn.Reassembly, frag.FragmentID)
	p.metrics.ObserveReceived(asm.Guarantee.String())

	var arr wire.ArrangingHeader
	if asm.HasArranging {
		arr = wire.ArrangingHeader{ArrangingID: asm.ArrangingID, StreamID: asm.StreamID}
	}
	return p.route(conn, asm.StreamID, asm.Guarantee, arr, asm.HasArranging, full, now)
}

func (p *Processor) route(conn *connection.Connection, streamID uint8, guarantee wire.Guarantee, arr wire.ArrangingHeader, hasArranging bool, payload []byte, now time.Time) ([]Delivery, error) {
	if !hasArranging {
		return []Delivery{{StreamID: streamID, Guarantee: guarantee, Payload: payload}}, nil
	}

	if guarantee.IsSequenced() {
		seq := conn.SequencerFor(streamID)
		if !seq.Accept(arr.ArrangingID) {
			p.metrics.ObserveDropped("stale_sequence")
			return nil, nil
		}
		return []Delivery{{StreamID: streamID, Guarantee: guarantee, Payload: payload}}, nil
	}

	overflowFn := func() {
		p.metrics.ObserveDropped("ordering_overflow")
		p.log.Warn("ordering buffer overflow stream=%d", streamID)
	}
	ord := conn.OrdererFor(streamID, overflowFn)
	released := ord.Accept(arr.ArrangingID, payload)
	if len(released) == 0 {
		return nil, nil
	}
	out := make([]Delivery, len(released))
	for i, pl := range released {
		out[i] = Delivery{StreamID: streamID, Guarantee: guarantee, Payload: pl}
	}
	return out, nil
}

// Tick scans the connection for due resends and expired fragment
// reassembly entries, returning the re-encoded datagrams to send. Called
// once per driver loop iteration, per connection.
func (p *Processor) Tick(conn *connection.Connection, now time.Time) [][]byte {
	var out [][]byte
	timeout := conn.ResendTimeout()
	for seq, entry := range conn.SentBuffer {
		if now.Sub(entry.SendTime) <= timeout {
			continue
		}
		delete(conn.SentBuffer, seq)
		newSeq := conn.NextLocalSeq()
		conn.SentBuffer[newSeq] = connection.SentEntry{
			SendTime:     now,
			Payload:      entry.Payload,
			Guarantee:    entry.Guarantee,
			StreamID:     entry.StreamID,
			ArrangingID:  entry.ArrangingID,
			HasArranging: entry.HasArranging,
		}
		// The new sequence replaces the old entry; the arranging id is
		// preserved from the original submission so ordered/sequenced
		// streams stay consistent across the resend (§4.3).
		datagrams := p.encodeDatagrams(conn, entry.StreamID, entry.Guarantee, newSeq, entry.ArrangingID, entry.Payload)
		out = append(out, datagrams...)
		p.metrics.ObserveRetransmission()
	}

	for fragID, asm := range conn.Reassembly {
		if now.After(asm.Deadline) {
			delete(conn.Reassembly, fragID)
			p.metrics.ObserveDropped("fragment_reassembly_timeout")
			p.log.Warn("fragment reassembly timed out fragment_id=%d", fragID)
		}
	}

	conn.UpdateCongestion(now)
	return out
}
