// Package endpoint wraps the raw UDP socket: non-blocking send/receive, MTU
// enforcement on the receive side, and the ambient socket tuning (OS buffer
// sizing, fd extraction for diagnostics) the driver never needs to know
// about.
package endpoint

import (
	"errors"
	"net"
	"time"

	"github.com/higebu/netfd"

	"rudp/internal/config"
	"rudp/internal/telemetry"
	"rudp/internal/xlog"
)

// SendResult classifies the outcome of a Send call, mirroring SPEC_FULL.md
// §4.1's three-way Sent/WouldBlock/Fatal result.
type SendResult int

const (
	SendOK SendResult = iota
	SendWouldBlock
	SendFatal
)

// pollDeadline is how far in the future each Recv's read deadline (and each
// Send's write deadline) is set: a small positive window keeps ReadFrom and
// WriteTo from blocking the driver loop while still letting the kernel
// coalesce a burst of already-queued datagrams.
const pollDeadline = 200 * time.Microsecond

// Endpoint is the non-blocking datagram transport the driver polls once per
// tick. It operates over net.PacketConn so tests can substitute a
// conditioned connection (packet loss/delay simulation) without touching
// production code paths.
type Endpoint struct {
	conn net.PacketConn
	cfg  *config.Config
	log  *xlog.Logger
	m    *telemetry.Metrics
}

// Bind opens a UDP socket at localAddr, tunes its OS buffers, and returns an
// Endpoint ready for the driver loop.
func Bind(localAddr string, cfg *config.Config, metrics *telemetry.Metrics, log *xlog.Logger) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tuneSocket(conn, cfg, log)
	return New(conn, cfg, metrics, log), nil
}

// New wraps an already-open net.PacketConn. Used directly by tests that
// need a conditioned connection; production callers should use Bind.
func New(conn net.PacketConn, cfg *config.Config, metrics *telemetry.Metrics, log *xlog.Logger) *Endpoint {
	return &Endpoint{conn: conn, cfg: cfg, log: log, m: metrics}
}

// tuneSocket sets OS-level read/write buffer sizes and logs the raw file
// descriptor for diagnostics, the way the teacher's file-transfer sibling
// tunes its sockets. Never used to bypass net's non-blocking I/O.
func tuneSocket(conn *net.UDPConn, cfg *config.Config, log *xlog.Logger) {
	bufSize := cfg.ReceiveBufferMaxSize * 64
	if err := conn.SetReadBuffer(bufSize); err != nil {
		log.Warn("set read buffer failed: %v", err)
	}
	if err := conn.SetWriteBuffer(bufSize); err != nil {
		log.Warn("set write buffer failed: %v", err)
	}

	fd := extractFD(conn)
	if fd >= 0 {
		log.Debug("bound socket fd=%d local=%s", fd, conn.LocalAddr())
	}
}

// extractFD returns the raw file descriptor of conn for structured-log
// diagnostics, or -1 if unavailable (e.g. unsupported platform).
func extractFD(conn *net.UDPConn) (fd int) {
	defer func() {
		if recover() != nil {
			fd = -1
		}
	}()
	return netfd.GetFdFromConn(conn)
}

// Now returns the current monotonic instant, the single clock source the
// rest of the engine reads against.
func (e *Endpoint) Now() time.Time {
	return time.Now()
}

// Send transmits b to addr without blocking. A full OS send buffer yields
// SendWouldBlock, which the caller silently drops (UDP semantics); any
// other error is SendFatal.
func (e *Endpoint) Send(addr *net.UDPAddr, b []byte) (SendResult, error) {
	if err := e.conn.SetWriteDeadline(time.Now().Add(pollDeadline)); err != nil {
		return SendFatal, err
	}
	_, err := e.conn.WriteTo(b, addr)
	if err == nil {
		return SendOK, nil
	}
	if errors.Is(err, net.ErrClosed) {
		return SendFatal, err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SendWouldBlock, nil
	}
	return SendFatal, err
}

// Recv attempts one non-blocking read into buf. ok is false when nothing
// was available this poll (not an error). Datagrams larger than
// receive_buffer_max_size are dropped with a warning: the protocol never
// produces oversized unfragmented datagrams, so anything over the limit is
// either misconfigured peers or garbage.
func (e *Endpoint) Recv(buf []byte) (addr *net.UDPAddr, n int, ok bool, err error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		return nil, 0, false, err
	}
	nn, rawAddr, rerr := e.conn.ReadFrom(buf)
	if rerr != nil {
		var netErr net.Error
		if errors.As(rerr, &netErr) && netErr.Timeout() {
			return nil, 0, false, nil
		}
		if errors.Is(rerr, net.ErrClosed) {
			return nil, 0, false, rerr
		}
		return nil, 0, false, rerr
	}
	udpAddr, ok := rawAddr.(*net.UDPAddr)
	if !ok {
		e.m.ObserveDropped("bad_source_addr")
		return nil, 0, false, nil
	}
	if nn > e.cfg.ReceiveBufferMaxSize {
		e.log.Warn("dropping oversized datagram from=%s size=%d", udpAddr, nn)
		e.m.ObserveDropped("oversized_datagram")
		return nil, 0, false, nil
	}
	return udpAddr, nn, true, nil
}

// LocalAddr returns the address the underlying socket is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
