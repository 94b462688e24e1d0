package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rudp/internal/conditioner"
	"rudp/internal/config"
	"rudp/internal/xlog"
)

func TestSendRecvRoundTrip(t *testing.T) {
	cfg := config.Default()
	log := xlog.New("test")

	a, err := Bind("127.0.0.1:0", cfg, nil, log)
	require.NoError(t, err)
	defer a.Close()
	b, err := Bind("127.0.0.1:0", cfg, nil, log)
	require.NoError(t, err)
	defer b.Close()

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	res, err := a.Send(bAddr, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, SendOK, res)

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		addr, n, ok, err := b.Recv(buf)
		require.NoError(t, err)
		if ok {
			require.Equal(t, "hello", string(buf[:n]))
			require.NotNil(t, addr)
			return
		}
	}
	t.Fatal("never received datagram")
}

func TestRecvNoDataIsNotError(t *testing.T) {
	cfg := config.Default()
	a, err := Bind("127.0.0.1:0", cfg, nil, xlog.New("test"))
	require.NoError(t, err)
	defer a.Close()

	buf := make([]byte, 128)
	_, n, ok, err := a.Recv(buf)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, n)
}

func TestRecvDropsOversizedDatagram(t *testing.T) {
	cfg := config.Default()
	cfg.ReceiveBufferMaxSize = 8
	a, err := Bind("127.0.0.1:0", cfg, nil, xlog.New("test"))
	require.NoError(t, err)
	defer a.Close()
	b, err := Bind("127.0.0.1:0", cfg, nil, xlog.New("test"))
	require.NoError(t, err)
	defer b.Close()

	aAddr := a.conn.LocalAddr().(*net.UDPAddr)
	_, err = b.Send(aAddr, make([]byte, 64))
	require.NoError(t, err)

	deadline := time.Now().Add(1 * time.Second)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		_, _, ok, err := a.Recv(buf)
		require.NoError(t, err)
		if ok {
			t.Fatal("oversized datagram should have been dropped, not surfaced")
		}
	}
}

// TestSendThroughConditionerDropsFirstTransmission drives an Endpoint over a
// conditioner.Conn wrapping a real UDP socket that drops the first datagram
// sent to the receiver, an S2-style lossy link end-to-end:
// the sender's Send call reports success (WriteTo swallows the datagram
// rather than erroring, per UDP fire-and-forget semantics) but the receiver
// never observes the first datagram, only the second.
func TestSendThroughConditionerDropsFirstTransmission(t *testing.T) {
	cfg := config.Default()
	log := xlog.New("test")

	rawSender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	cond := conditioner.NewDeterministicConditioner(1, 0)
	sender := New(&conditioner.Conn{PacketConn: rawSender, Cond: cond}, cfg, nil, log)
	defer sender.Close()

	receiver, err := Bind("127.0.0.1:0", cfg, nil, log)
	require.NoError(t, err)
	defer receiver.Close()

	rAddr := receiver.conn.LocalAddr().(*net.UDPAddr)

	res, err := sender.Send(rAddr, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, SendOK, res)

	res, err = sender.Send(rAddr, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, SendOK, res)

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		_, n, ok, err := receiver.Recv(buf)
		require.NoError(t, err)
		if ok {
			require.Equal(t, "second", string(buf[:n]))
			return
		}
	}
	t.Fatal("never received the surviving second datagram")
}
