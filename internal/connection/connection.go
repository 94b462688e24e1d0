// Package connection defines the per-peer VirtualConnection record: the
// bookkeeping UDP itself doesn't provide — sequence numbers, the ack
// bitfield, RTT/congestion estimation, and the lifecycle clock.
package connection

import (
	"net"
	"time"

	"github.com/rs/xid"

	"rudp/internal/arrange"
	"rudp/internal/config"
	"rudp/internal/wire"
)

// State is the VirtualConnection lifecycle state (§3).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// bitfieldWindow is how many prior sequences the ack bitfield (and the
// parallel dedup window) remembers.
const bitfieldWindow = 32

// SentEntry is one unacked reliable packet waiting in the sent buffer. The
// arranging id (if the guarantee carries one) travels with the entry so a
// resend can stamp the same id: it identifies the application message, not
// the transmission attempt.
type SentEntry struct {
	SendTime     time.Time
	Payload      []byte
	Guarantee    wire.Guarantee
	StreamID     uint8
	ArrangingID  uint16
	HasArranging bool
}

// FragmentAssembly tracks one in-progress reassembly of a split message.
// Guarantee and StreamID come from the StandardHeader, identical on every
// fragment by construction, so they're captured from whichever fragment
// arrives first. ArrangingID is only carried by fragment 0 and is filled in
// once that fragment arrives; completion (Have == Total) cannot occur
// before fragment 0 is present, since it occupies one of the Total slots.
type FragmentAssembly struct {
	Total        uint8
	Parts        [][]byte
	Have         int
	Deadline     time.Time
	Guarantee    wire.Guarantee
	StreamID     uint8
	ArrangingID  uint16
	HasArranging bool
}

// Connection is one VirtualConnection: all per-peer state the engine needs,
// exclusively owned by the driver goroutine.
type Connection struct {
	Addr          *net.UDPAddr
	CorrelationID string

	State State

	LocalSeq       uint16
	NextFragmentID uint16

	RemoteSeq        uint16
	HasRemoteSeq     bool
	ReceivedBitfield uint32
	receivedSeen     map[uint16]struct{} // dedup window, mirrors ReceivedBitfield's span

	SentBuffer map[uint16]SentEntry

	RTT          time.Duration
	RTTVariance  time.Duration
	CongestionBad        bool
	congestionSwitchedAt time.Time
	aboveThresholdSince  time.Time
	belowThresholdSince  time.Time

	Sequencers map[uint8]*arrange.Sequencer
	Orderers   map[uint8]*arrange.Orderer

	arrangingSendSeq map[uint8]uint16 // per-stream outgoing arranging id counter

	Reassembly map[uint16]*FragmentAssembly

	LastHeard time.Time
	LastSent  time.Time

	EverSent     bool
	EverReceived bool

	cfg *config.Config
}

// MaybeConnect transitions Connecting to Connected the moment both
// directions have exchanged at least one packet (§9 Open Question (c)),
// reporting whether this call performed the transition so the caller knows
// whether to emit EventConnect.
func (c *Connection) MaybeConnect() bool {
	if c.State == StateConnecting && c.EverSent && c.EverReceived {
		c.State = StateConnected
		return true
	}
	return false
}

// New creates a VirtualConnection for addr, in the Connecting state, with
// all buffers freshly allocated.
func New(addr *net.UDPAddr, now time.Time, cfg *config.Config) *Connection {
	return &Connection{
		Addr:          addr,
		CorrelationID: xid.New().String(),
		State:         StateConnecting,
		SentBuffer:    make(map[uint16]SentEntry),
		receivedSeen:  make(map[uint16]struct{}),
		Sequencers:    make(map[uint8]*arrange.Sequencer),
		Orderers:      make(map[uint8]*arrange.Orderer),
		arrangingSendSeq: make(map[uint8]uint16),
		Reassembly:    make(map[uint16]*FragmentAssembly),
		LastHeard:     now,
		LastSent:      now,
		cfg:           cfg,
	}
}

// NextLocalSeq returns the next outgoing sequence number and advances the
// counter (strictly monotonic mod 2^16).
func (c *Connection) NextLocalSeq() uint16 {
	s := c.LocalSeq
	c.LocalSeq++
	return s
}

// NextFragID returns the next fragment id and advances the per-connection
// counter (monotonic mod 2^16, shared across all fragmented messages on
// this connection).
func (c *Connection) NextFragID() uint16 {
	id := c.NextFragmentID
	c.NextFragmentID++
	return id
}

// NextArrangingID returns the next outgoing arranging id for streamID and
// advances its per-stream counter. Used by the sender side of Sequenced and
// Ordered guarantees; independent of the receive-side Sequencer/Orderer
// trackers for the same stream id.
func (c *Connection) NextArrangingID(streamID uint8) uint16 {
	id := c.arrangingSendSeq[streamID]
	c.arrangingSendSeq[streamID] = id + 1
	return id
}

// SequencerFor returns (creating if necessary) the sequencer for streamID.
func (c *Connection) SequencerFor(streamID uint8) *arrange.Sequencer {
	s, ok := c.Sequencers[streamID]
	if !ok {
		s = arrange.NewSequencer()
		c.Sequencers[streamID] = s
	}
	return s
}

// OrdererFor returns (creating if necessary) the orderer for streamID.
// overflowFn is only used the first time the orderer for this stream is
// created.
func (c *Connection) OrdererFor(streamID uint8, overflowFn func()) *arrange.Orderer {
	o, ok := c.Orderers[streamID]
	if !ok {
		o = arrange.NewOrderer(c.cfg.OrderBufferCap, overflowFn)
		c.Orderers[streamID] = o
	}
	return o
}

// AcceptIncomingSeq implements the incoming-path ack bookkeeping (§4.3 step
// 2): it updates RemoteSeq/ReceivedBitfield per the wraparound rule and
// reports whether s is a fresh (non-duplicate, non-stale) arrival that
// should continue through the pipeline.
func (c *Connection) AcceptIncomingSeq(s uint16) (fresh bool) {
	if !c.HasRemoteSeq {
		c.HasRemoteSeq = true
		c.RemoteSeq = s
		c.ReceivedBitfield = 0
		c.markSeen(s)
		return true
	}

	diff := wire.SeqDiff(s, c.RemoteSeq)
	switch {
	case diff > 0:
		shift := uint(diff)
		if shift >= bitfieldWindow+1 {
			c.ReceivedBitfield = 0
		} else {
			c.ReceivedBitfield <<= shift
			c.ReceivedBitfield |= 1 << (shift - 1) // mark old RemoteSeq, now (s - RemoteSeq) behind
		}
		c.RemoteSeq = s
		if c.alreadySeen(s) {
			return false
		}
		c.markSeen(s)
		c.pruneSeen()
		return true
	case diff == 0:
		// the current RemoteSeq retransmitted onto us: treat as duplicate
		return false
	default:
		bitIndex := uint(-diff) - 1
		if bitIndex >= bitfieldWindow {
			return false // too old
		}
		already := c.ReceivedBitfield&(1<<bitIndex) != 0
		c.ReceivedBitfield |= 1 << bitIndex
		if already || c.alreadySeen(s) {
			return false
		}
		c.markSeen(s)
		return true
	}
}

func (c *Connection) markSeen(s uint16) { c.receivedSeen[s] = struct{}{} }

func (c *Connection) alreadySeen(s uint16) bool {
	_, ok := c.receivedSeen[s]
	return ok
}

// pruneSeen drops dedup entries that have fallen outside the bitfield
// window, bounding receivedSeen's memory.
func (c *Connection) pruneSeen() {
	for s := range c.receivedSeen {
		diff := wire.SeqDiff(c.RemoteSeq, s)
		if diff < 0 || uint(diff) > bitfieldWindow {
			delete(c.receivedSeen, s)
		}
	}
}

// AckFields returns the AckedHeader values to stamp on an outgoing packet.
func (c *Connection) AckFields() (latestReceived uint16, bitfield uint32) {
	return c.RemoteSeq, c.ReceivedBitfield
}

// ApplyPeerAck removes every sequence the peer's ack fields mark as
// received from SentBuffer, returning the RTT sample for each sequence
// acked for the first time (send time deltas), for the caller to feed into
// UpdateRTT.
func (c *Connection) ApplyPeerAck(latestReceived uint16, bitfield uint32, now time.Time) []time.Duration {
	var samples []time.Duration
	ackOne := func(seq uint16) {
		entry, ok := c.SentBuffer[seq]
		if !ok {
			return
		}
		delete(c.SentBuffer, seq)
		samples = append(samples, now.Sub(entry.SendTime))
	}
	ackOne(latestReceived)
	for i := 0; i < bitfieldWindow; i++ {
		if bitfield&(1<<uint(i)) != 0 {
			seq := latestReceived - uint16(i) - 1
			ackOne(seq)
		}
	}
	return samples
}

// UpdateRTT folds one fresh RTT sample into the EWMA estimate
// (§4.3: rtt += 0.1 * (sample - rtt), variance analogously).
func (c *Connection) UpdateRTT(sample time.Duration) {
	delta := sample - c.RTT
	c.RTT += time.Duration(0.1 * float64(delta))
	varDelta := absDuration(delta) - c.RTTVariance
	c.RTTVariance += time.Duration(0.1 * float64(varDelta))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ResendTimeout is the current resend timeout: rtt + 4*variance, clamped to
// [rto_min, rto_max], doubled while in Bad congestion mode.
func (c *Connection) ResendTimeout() time.Duration {
	rto := c.RTT + 4*c.RTTVariance
	if rto < c.cfg.RTOMin {
		rto = c.cfg.RTOMin
	}
	if rto > c.cfg.RTOMax {
		rto = c.cfg.RTOMax
	}
	if c.CongestionBad {
		rto *= 2
	}
	return rto
}

// HeartbeatInterval is the current keepalive period, gated by congestion mode.
func (c *Connection) HeartbeatInterval() time.Duration {
	if c.CongestionBad {
		return c.cfg.HeartbeatBad
	}
	return c.cfg.HeartbeatGood
}

// UpdateCongestion applies the hysteretic Good/Bad transition rule (§4.3):
// entering Bad requires smoothed RTT to stay above rtt_threshold for
// rtt_threshold_duration; returning to Good requires the symmetric
// condition below the threshold.
func (c *Connection) UpdateCongestion(now time.Time) {
	above := c.RTT > c.cfg.RTTThreshold
	if above {
		if c.aboveThresholdSince.IsZero() {
			c.aboveThresholdSince = now
		}
		c.belowThresholdSince = time.Time{}
	} else {
		if c.belowThresholdSince.IsZero() {
			c.belowThresholdSince = now
		}
		c.aboveThresholdSince = time.Time{}
	}

	if !c.CongestionBad && above && now.Sub(c.aboveThresholdSince) >= c.cfg.RTTThresholdDur {
		c.CongestionBad = true
	} else if c.CongestionBad && !above && now.Sub(c.belowThresholdSince) >= c.cfg.RTTThresholdDur {
		c.CongestionBad = false
	}
}

// SentBufferFull reports whether the sent buffer is at capacity, in which
// case new reliable submissions must back-pressure rather than evict the
// oldest unacked entry (§9 Open Question (b)).
func (c *Connection) SentBufferFull() bool {
	return len(c.SentBuffer) >= c.cfg.MaxPacketsInFlight
}

// Idle reports whether this connection has exceeded the idle timeout and
// should be reaped.
func (c *Connection) Idle(now time.Time) bool {
	return now.Sub(c.LastHeard) > c.cfg.IdleTimeout
}
