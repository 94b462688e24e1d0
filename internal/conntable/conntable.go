// Package conntable implements the Virtual Connection Table (SPEC_FULL.md
// §4.2): the map from observed (ip, port) to VirtualConnection, capacity
// enforcement, and idle reaping.
package conntable

import (
	"errors"
	"net"
	"time"

	"rudp/internal/config"
	"rudp/internal/connection"
	"rudp/internal/telemetry"
)

// ErrConnectionLimitReached is returned by GetOrCreate when a brand-new
// peer would exceed max_connections.
var ErrConnectionLimitReached = errors.New("conntable: max_connections reached")

// ErrTooManyUnestablished is returned by GetOrCreate when a brand-new peer
// would exceed max_unestablished_connections, independent of the overall
// table capacity — this defends against a flood of spoofed first packets
// consuming all connection slots before any handshake completes.
var ErrTooManyUnestablished = errors.New("conntable: max_unestablished_connections reached")

// Table is keyed by the exact (ip, port) observed from the wire; no address
// normalization is performed.
type Table struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
	conns   map[string]*connection.Connection
}

// New returns an empty Table bound to cfg.
func New(cfg *config.Config, metrics *telemetry.Metrics) *Table {
	return &Table{cfg: cfg, metrics: metrics, conns: make(map[string]*connection.Connection)}
}

func key(addr *net.UDPAddr) string {
	return addr.String()
}

// Get returns the existing connection for addr, if any.
func (t *Table) Get(addr *net.UDPAddr) (*connection.Connection, bool) {
	c, ok := t.conns[key(addr)]
	return c, ok
}

// GetOrCreate returns the existing connection for addr, or creates a fresh
// one in the Connecting state, enforcing both capacity caps.
func (t *Table) GetOrCreate(addr *net.UDPAddr, now time.Time) (*connection.Connection, error) {
	if c, ok := t.conns[key(addr)]; ok {
		return c, nil
	}
	if len(t.conns) >= t.cfg.MaxConnections {
		return nil, ErrConnectionLimitReached
	}
	if t.countUnestablished() >= t.cfg.MaxUnestablished {
		return nil, ErrTooManyUnestablished
	}
	c := connection.New(addr, now, t.cfg)
	t.conns[key(addr)] = c
	t.metrics.SetActiveConnections(len(t.conns))
	return c, nil
}

func (t *Table) countUnestablished() int {
	n := 0
	for _, c := range t.conns {
		if c.State == connection.StateConnecting {
			n++
		}
	}
	return n
}

// Remove drops addr's connection, if present.
func (t *Table) Remove(addr *net.UDPAddr) {
	delete(t.conns, key(addr))
	t.metrics.SetActiveConnections(len(t.conns))
}

// Reap removes every connection idle past idle_timeout, invoking onTimeout
// for each (the driver uses this to emit a Timeout event).
func (t *Table) Reap(now time.Time, onTimeout func(*connection.Connection)) {
	for k, c := range t.conns {
		if c.Idle(now) {
			delete(t.conns, k)
			onTimeout(c)
		}
	}
	t.metrics.SetActiveConnections(len(t.conns))
}

// Range enumerates every tracked connection, for periodic per-tick work
// (resends, heartbeats, congestion state).
func (t *Table) Range(fn func(*connection.Connection)) {
	for _, c := range t.conns {
		fn(c)
	}
}

// Len reports how many connections are currently tracked.
func (t *Table) Len() int {
	return len(t.conns)
}
