// Package arrange implements the two arranging systems that sit on top of
// reliability: sequencing ("newest wins", no buffering) and ordering
// ("gapless", bounded buffering). Both compare 16-bit arranging ids with
// wraparound awareness.
package arrange

import "rudp/internal/wire"

// Sequencer tracks the highest arranging id delivered on one stream and
// drops anything not strictly newer. It never buffers.
type Sequencer struct {
	lastSeen uint16
	hasSeen  bool
}

// NewSequencer returns a fresh, empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Accept reports whether the packet carrying arrangingID should be
// delivered, updating the tracked high-water mark if so.
func (s *Sequencer) Accept(arrangingID uint16) bool {
	if !s.hasSeen || wire.SeqGreater(arrangingID, s.lastSeen) {
		s.lastSeen = arrangingID
		s.hasSeen = true
		return true
	}
	return false
}

// Orderer implements gapless, in-order delivery for one stream. Out-of-order
// arrivals are buffered (bounded, FIFO by arrival) until the gap closes;
// arrivals below the expected id are duplicates and dropped.
type Orderer struct {
	nextExpected uint16
	cap          int
	buffer       map[uint16][]byte
	arrival      []uint16 // FIFO of ids currently buffered, oldest first
	overflowFn   func()
}

// NewOrderer returns an Orderer with the given bound on buffered entries.
// overflowFn, if non-nil, is invoked each time the cap forces the oldest
// buffered entry to be dropped (used to log OrderingBufferOverflow).
func NewOrderer(cap int, overflowFn func()) *Orderer {
	return &Orderer{
		cap:        cap,
		buffer:     make(map[uint16][]byte),
		overflowFn: overflowFn,
	}
}

// Accept feeds one arrived (arrangingID, payload) pair into the orderer and
// returns, in ascending order, every payload now ready for delivery
// (possibly more than one, if arrivals had been buffered waiting on this
// one to close the gap). A duplicate or already-passed id yields no
// payloads.
func (o *Orderer) Accept(arrangingID uint16, payload []byte) [][]byte {
	diff := wire.SeqDiff(arrangingID, o.nextExpected)
	switch {
	case diff < 0:
		// duplicate: already delivered or already superseded
		return nil
	case diff == 0:
		o.nextExpected++
		out := [][]byte{payload}
		out = append(out, o.drain()...)
		return out
	default:
		o.bufferEntry(arrangingID, payload)
		return nil
	}
}

func (o *Orderer) bufferEntry(id uint16, payload []byte) {
	if _, exists := o.buffer[id]; exists {
		return
	}
	if len(o.buffer) >= o.cap {
		o.evictOldest()
	}
	o.buffer[id] = payload
	o.arrival = append(o.arrival, id)
}

// evictOldest drops the longest-buffered entry (the oldest by arrival, not
// by arranging id) per SPEC_FULL.md §4.4.
func (o *Orderer) evictOldest() {
	for len(o.arrival) > 0 {
		id := o.arrival[0]
		o.arrival = o.arrival[1:]
		if _, ok := o.buffer[id]; ok {
			delete(o.buffer, id)
			if o.overflowFn != nil {
				o.overflowFn()
			}
			return
		}
	}
}

// drain releases any buffered entries that are now contiguous with
// nextExpected, advancing it as it goes, and drops their arrival-order
// bookkeeping.
func (o *Orderer) drain() [][]byte {
	var out [][]byte
	for {
		payload, ok := o.buffer[o.nextExpected]
		if !ok {
			break
		}
		delete(o.buffer, o.nextExpected)
		o.removeArrival(o.nextExpected)
		out = append(out, payload)
		o.nextExpected++
	}
	return out
}

func (o *Orderer) removeArrival(id uint16) {
	for i, v := range o.arrival {
		if v == id {
			o.arrival = append(o.arrival[:i], o.arrival[i+1:]...)
			return
		}
	}
}

// Len reports how many entries are currently buffered, for diagnostics.
func (o *Orderer) Len() int {
	return len(o.buffer)
}
