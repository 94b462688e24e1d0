// Package rudp is the public façade over the engine in internal/: a
// semi-reliable datagram protocol giving applications selectable
// per-message delivery guarantees on top of plain UDP.
package rudp

import (
	"context"
	"fmt"
	"net"

	"rudp/internal/config"
	"rudp/internal/driver"
	"rudp/internal/endpoint"
	"rudp/internal/telemetry"
	"rudp/internal/wire"
	"rudp/internal/xlog"

	"github.com/prometheus/client_golang/prometheus"
)

// Guarantee selects the reliability/ordering semantics of one message.
type Guarantee = wire.Guarantee

const (
	Unreliable          = wire.Unreliable
	UnreliableSequenced = wire.UnreliableSequenced
	ReliableUnordered   = wire.ReliableUnordered
	ReliableSequenced   = wire.ReliableSequenced
	ReliableOrdered     = wire.ReliableOrdered
)

// Config is the tunable parameter set accepted by Bind; see internal/config
// for the full option table and defaults.
type Config = config.Config

// DefaultConfig returns the configuration described in SPEC_FULL.md §6.
func DefaultConfig() *Config { return config.Default() }

// EventKind tags an Event.
type EventKind = driver.EventKind

const (
	EventPacket     = driver.EventPacket
	EventConnect    = driver.EventConnect
	EventTimeout    = driver.EventTimeout
	EventDisconnect = driver.EventDisconnect
	EventError      = driver.EventError
)

// Event is delivered through Socket.Events().
type Event = driver.Event

// OutboundPacket is submitted through Socket.Outbound().
type OutboundPacket = driver.OutboundPacket

// Re-exported sentinel errors a consumer may want to match against an
// EventError's Err field with errors.Is.
var (
	ErrProtocolVersionMismatch = driver.ErrProtocolVersionMismatch
	ErrMalformedHeader         = driver.ErrMalformedHeader
)

// Socket is one bound UDP endpoint driving the engine's single-threaded
// event loop in a background goroutine.
type Socket struct {
	ep     *endpoint.Endpoint
	drv    *driver.Driver
	cancel context.CancelFunc
	done   chan struct{}
}

// Bind opens a UDP socket at localAddr and starts its driver loop. cfg may
// be nil, in which case DefaultConfig() is used. The returned *Socket owns
// a background goroutine; call Close to stop it and release the socket.
func Bind(localAddr string, cfg *Config) (*Socket, error) {
	return BindWithRegistry(localAddr, cfg, nil)
}

// BindWithRegistry is Bind, additionally registering the socket's Prometheus
// collectors with reg (pass nil to skip metrics entirely).
func BindWithRegistry(localAddr string, cfg *Config, reg prometheus.Registerer) (*Socket, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rudp: invalid config: %w", err)
	}

	log := xlog.New("rudp")
	metrics := telemetry.NewMetrics(reg, "rudp")

	ep, err := endpoint.Bind(localAddr, cfg, metrics, log)
	if err != nil {
		return nil, fmt.Errorf("rudp: bind %s: %w", localAddr, err)
	}

	drv := driver.New(ep, cfg, metrics, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		drv.Run(ctx)
	}()

	return &Socket{ep: ep, drv: drv, cancel: cancel, done: done}, nil
}

// Outbound is the channel applications submit OutboundPacket values to.
func (s *Socket) Outbound() chan<- OutboundPacket { return s.drv.Outbound() }

// Events is the channel applications read Event values from.
func (s *Socket) Events() <-chan Event { return s.drv.Events() }

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	return s.ep.LocalAddr()
}

// Close signals the driver to shut down (one final best-effort tick) and
// releases the underlying socket once the driver goroutine exits.
func (s *Socket) Close() error {
	s.cancel()
	<-s.done
	return s.ep.Close()
}
