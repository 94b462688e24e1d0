// Package driver implements the Socket Driver / Event Pump (SPEC_FULL.md
// §4.5): the single-threaded polling loop that owns the endpoint, the
// connection table, and every packet processor, and is the only place in
// the engine where cross-goroutine communication happens (the two bounded
// channels at its boundary).
package driver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"rudp/internal/config"
	"rudp/internal/connection"
	"rudp/internal/conntable"
	"rudp/internal/endpoint"
	"rudp/internal/packetproc"
	"rudp/internal/telemetry"
	"rudp/internal/wire"
	"rudp/internal/xlog"
)

// EventKind tags an Event.
type EventKind int

const (
	EventPacket EventKind = iota
	EventConnect
	EventTimeout
	EventDisconnect // future-reserved, per §6
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "Packet"
	case EventConnect:
		return "Connect"
	case EventTimeout:
		return "Timeout"
	case EventDisconnect:
		return "Disconnect"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is the unit of work delivered to the application through Events().
type Event struct {
	Kind      EventKind
	Addr      *net.UDPAddr
	Payload   []byte
	Guarantee wire.Guarantee
	StreamID  uint8
	Err       error
}

// OutboundPacket is the unit of work the application submits through
// Outbound().
type OutboundPacket struct {
	Addr      *net.UDPAddr
	Payload   []byte
	Guarantee wire.Guarantee
	StreamID  uint8
}

// Per-packet errors surfaced via an EventError (§7 "Local & surfaced").
var (
	ErrProtocolVersionMismatch = errors.New("rudp: protocol version mismatch")
	ErrMalformedHeader         = errors.New("rudp: malformed header")
)

// Driver owns the endpoint, the connection table, and the packet processor
// shared by every connection. One Driver backs one bound Socket.
type Driver struct {
	ep    *endpoint.Endpoint
	table *conntable.Table
	proc  *packetproc.Processor
	cfg   *config.Config
	log   *xlog.Logger
	m     *telemetry.Metrics

	socketID string

	outbound chan OutboundPacket
	events   chan Event

	recvBuf []byte
}

// New wires a Driver around an already-bound endpoint.
func New(ep *endpoint.Endpoint, cfg *config.Config, metrics *telemetry.Metrics, log *xlog.Logger) *Driver {
	return &Driver{
		ep:       ep,
		table:    conntable.New(cfg, metrics),
		proc:     packetproc.New(cfg, metrics, log),
		cfg:      cfg,
		log:      log,
		m:        metrics,
		socketID: uuid.NewString(),
		outbound: make(chan OutboundPacket, cfg.OutboundQueueCapacity),
		events:   make(chan Event, cfg.EventQueueCapacity),
		recvBuf:  make([]byte, cfg.ReceiveBufferMaxSize+wire.StandardHeaderSize+wire.AckedHeaderSize+wire.ArrangingHeaderSize+wire.FragmentHeaderSize),
	}
}

// Outbound is the multi-producer/single-consumer submission queue.
func (d *Driver) Outbound() chan<- OutboundPacket { return d.outbound }

// Events is the single-producer/multi-consumer event queue.
func (d *Driver) Events() <-chan Event { return d.events }

// Run executes the driver loop until ctx is cancelled or the outbound
// channel is closed, either of which is the shutdown signal. It attempts
// one final tick (best-effort resend flush) before closing the event queue.
func (d *Driver) Run(ctx context.Context) {
	d.log.Info("driver started socket=%s tick=%s", d.socketID, d.cfg.TickInterval)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.runTick(d.ep.Now())
			close(d.events)
			d.log.Info("driver stopped socket=%s reason=context_cancelled", d.socketID)
			return
		case <-ticker.C:
			now := d.ep.Now()
			closed := d.drainOutbound(now)
			d.drainInbound(now)
			d.table.Range(func(c *connection.Connection) { d.tickConnection(c, now) })
			d.table.Reap(now, d.onTimeout)
			if closed {
				close(d.events)
				d.log.Info("driver stopped socket=%s reason=outbound_closed", d.socketID)
				return
			}
		}
	}
}

// runTick performs one last drain/tick cycle, used during shutdown.
func (d *Driver) runTick(now time.Time) {
	d.drainOutbound(now)
	d.drainInbound(now)
	d.table.Range(func(c *connection.Connection) { d.tickConnection(c, now) })
	d.table.Reap(now, d.onTimeout)
}

// drainOutbound processes every submission currently queued without
// blocking, reporting whether the channel was found closed.
func (d *Driver) drainOutbound(now time.Time) bool {
	for {
		select {
		case msg, ok := <-d.outbound:
			if !ok {
				return true
			}
			d.processOutbound(msg, now)
		default:
			return false
		}
	}
}

// drainInbound reads every datagram currently available from the endpoint.
func (d *Driver) drainInbound(now time.Time) {
	for {
		addr, n, ok, err := d.ep.Recv(d.recvBuf)
		if err != nil {
			d.log.Error("endpoint recv fatal: %v", err)
			return
		}
		if !ok {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, d.recvBuf[:n])
		d.processInbound(addr, datagram, now)
	}
}

func (d *Driver) processOutbound(msg OutboundPacket, now time.Time) {
	conn, err := d.table.GetOrCreate(msg.Addr, now)
	if err != nil {
		d.emitError(msg.Addr, err)
		return
	}

	datagrams, err := d.proc.EncodeOutgoing(conn, msg.StreamID, msg.Guarantee, msg.Payload, now)
	if err != nil {
		d.emitError(msg.Addr, err)
		return
	}
	conn.EverSent = true

	for _, dg := range datagrams {
		res, sendErr := d.ep.Send(conn.Addr, dg)
		switch res {
		case endpoint.SendWouldBlock:
			d.m.ObserveDropped("outbound_would_block")
		case endpoint.SendFatal:
			d.log.Error("send to %s failed: %v", conn.Addr, sendErr)
			d.emitError(msg.Addr, sendErr)
		}
	}

	if conn.MaybeConnect() {
		d.emit(Event{Kind: EventConnect, Addr: conn.Addr})
	}
}

func (d *Driver) processInbound(addr *net.UDPAddr, data []byte, now time.Time) {
	conn, err := d.table.GetOrCreate(addr, now)
	if err != nil {
		d.emitError(addr, err)
		return
	}

	deliveries, err := d.proc.HandleIncoming(conn, data, now)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrVersionMismatch):
			d.emitError(addr, ErrProtocolVersionMismatch)
		case errors.Is(err, wire.ErrMalformedHeader), errors.Is(err, wire.ErrShortBuffer):
			d.emitError(addr, ErrMalformedHeader)
		default:
			d.emitError(addr, err)
		}
		return
	}
	conn.EverReceived = true

	if conn.MaybeConnect() {
		d.emit(Event{Kind: EventConnect, Addr: conn.Addr})
	}

	for _, del := range deliveries {
		d.emit(Event{Kind: EventPacket, Addr: conn.Addr, Payload: del.Payload, Guarantee: del.Guarantee, StreamID: del.StreamID})
	}
}

func (d *Driver) tickConnection(conn *connection.Connection, now time.Time) {
	for _, dg := range d.proc.Tick(conn, now) {
		res, sendErr := d.ep.Send(conn.Addr, dg)
		if res == endpoint.SendFatal {
			d.log.Error("resend to %s failed: %v", conn.Addr, sendErr)
		}
	}

	if now.Sub(conn.LastSent) > conn.HeartbeatInterval() {
		hb := d.proc.EncodeHeartbeat(conn, now)
		d.ep.Send(conn.Addr, hb)
		conn.EverSent = true
		if conn.MaybeConnect() {
			d.emit(Event{Kind: EventConnect, Addr: conn.Addr})
		}
	}

	d.m.SetCongestionBad(conn.CorrelationID, conn.CongestionBad)
	d.m.ObserveRTT(conn.CorrelationID, conn.RTT)
}

func (d *Driver) onTimeout(conn *connection.Connection) {
	d.emit(Event{Kind: EventTimeout, Addr: conn.Addr})
}

func (d *Driver) emitError(addr *net.UDPAddr, err error) {
	d.log.Warn("error addr=%s err=%v", addr, err)
	d.emit(Event{Kind: EventError, Addr: addr, Err: err})
}

// emit delivers ev to the event queue. When the queue is full, a Packet
// event is dropped at once; this drops the newest Packet event, since a Go
// channel only gives FIFO access to its head and queued events are never
// evicted. A Connect/Timeout/Error event instead waits up to one tick
// interval for room and is dropped (counted and logged) if none frees up.
func (d *Driver) emit(ev Event) {
	select {
	case d.events <- ev:
		return
	default:
	}

	if ev.Kind == EventPacket {
		d.m.ObserveEventDropped()
		d.log.Warn("EventQueueOverflow: dropping packet event addr=%s", ev.Addr)
		return
	}

	// Non-Packet events get a bounded wait for room. The driver loop is the
	// only producer, so the wait can only expire on a consumer that has
	// stopped keeping up with the queue.
	select {
	case d.events <- ev:
	case <-time.After(d.cfg.TickInterval):
		d.m.ObserveEventDropped()
		d.log.Warn("EventQueueOverflow: dropped %s event addr=%s after backoff", ev.Kind, ev.Addr)
	}
}
