package packetproc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rudp/internal/config"
	"rudp/internal/connection"
	"rudp/internal/wire"
	"rudp/internal/xlog"
)

func newPair(t *testing.T, cfg *config.Config) (*Processor, *connection.Connection, *connection.Connection) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	p := New(cfg, nil, xlog.New("test"))
	addrA, err := net.ResolveUDPAddr("udp", "127.0.0.1:20001")
	require.NoError(t, err)
	addrB, err := net.ResolveUDPAddr("udp", "127.0.0.1:20002")
	require.NoError(t, err)
	now := time.Unix(0, 0)
	connA := connection.New(addrB, now, cfg) // A's view of B
	connB := connection.New(addrA, now, cfg) // B's view of A
	return p, connA, connB
}

func TestUnreliablePassthrough(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)

	datagrams, err := p.EncodeOutgoing(connA, 0, wire.Unreliable, []byte{0x01, 0x02, 0x03}, now)
	require.NoError(t, err)
	require.Len(t, datagrams, 1)

	deliveries, err := p.HandleIncoming(connB, datagrams[0], now)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, deliveries[0].Payload)
}

func TestReliableUnorderedOverSimulatedLoss(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	datagrams, err := p.EncodeOutgoing(connA, 0, wire.ReliableUnordered, payload, now)
	require.NoError(t, err)
	require.Len(t, datagrams, 1)
	require.Len(t, connA.SentBuffer, 1)

	// first transmission is "dropped" by the link conditioner: never delivered.
	later := now.Add(connA.ResendTimeout() + time.Millisecond)
	resent := p.Tick(connA, later)
	require.Len(t, resent, 1)
	require.Len(t, connA.SentBuffer, 1, "old entry replaced, not duplicated")

	deliveries, err := p.HandleIncoming(connB, resent[0], later)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, payload, deliveries[0].Payload)
}

func TestOrderedDeliveryAcrossReorder(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)

	var datagrams [][]byte
	for _, payload := range [][]byte{[]byte("P1"), []byte("P2"), []byte("P3")} {
		dg, err := p.EncodeOutgoing(connA, 7, wire.ReliableOrdered, payload, now)
		require.NoError(t, err)
		require.Len(t, dg, 1)
		datagrams = append(datagrams, dg[0])
	}

	// network reorders arrival: P2, P3, P1
	var delivered [][]byte
	for _, idx := range []int{1, 2, 0} {
		ds, err := p.HandleIncoming(connB, datagrams[idx], now)
		require.NoError(t, err)
		for _, d := range ds {
			delivered = append(delivered, d.Payload)
		}
	}
	require.Equal(t, [][]byte{[]byte("P1"), []byte("P2"), []byte("P3")}, delivered)
}

func TestSequencedDropsOld(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)

	var datagrams [][]byte
	for i := 0; i < 3; i++ { // arranging ids 0,1,2 (payloads 5,6,7 labeled by id+5)
		dg, err := p.EncodeOutgoing(connA, 3, wire.UnreliableSequenced, []byte{byte(5 + i)}, now)
		require.NoError(t, err)
		datagrams = append(datagrams, dg[0])
	}

	// arrival order: id 1 (payload 6), id 2 (payload 7), id 0 (payload 5, stale)
	var delivered []byte
	for _, idx := range []int{1, 2, 0} {
		ds, err := p.HandleIncoming(connB, datagrams[idx], now)
		require.NoError(t, err)
		for _, d := range ds {
			delivered = append(delivered, d.Payload...)
		}
	}
	require.Equal(t, []byte{6, 7}, delivered)
}

func TestFragmentationRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.FragmentSize = 1450
	p, connA, connB := newPair(t, cfg)
	now := time.Unix(0, 0)

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	datagrams, err := p.EncodeOutgoing(connA, 0, wire.ReliableUnordered, payload, now)
	require.NoError(t, err)
	require.Greater(t, len(datagrams), 1)

	// shuffle arrival order
	order := []int{3, 0, 4, 1, 2, 5, 6}
	var delivered []byte
	for _, idx := range order {
		if idx >= len(datagrams) {
			continue
		}
		ds, err := p.HandleIncoming(connB, datagrams[idx], now)
		require.NoError(t, err)
		for _, d := range ds {
			delivered = d.Payload
		}
	}
	require.Equal(t, payload, delivered)
}

func TestPayloadTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.FragmentSize = 10
	cfg.MaxFragments = 2
	p, connA, _ := newPair(t, cfg)
	_, err := p.EncodeOutgoing(connA, 0, wire.ReliableUnordered, make([]byte, 100), time.Unix(0, 0))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSentBufferBackpressure(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPacketsInFlight = 1
	p, connA, _ := newPair(t, cfg)
	now := time.Unix(0, 0)
	_, err := p.EncodeOutgoing(connA, 0, wire.ReliableUnordered, []byte("a"), now)
	require.NoError(t, err)
	_, err = p.EncodeOutgoing(connA, 0, wire.ReliableUnordered, []byte("b"), now)
	require.ErrorIs(t, err, ErrSentBufferFull)
}

func TestHeartbeatDeliversNothing(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)
	hb := p.EncodeHeartbeat(connA, now)
	deliveries, err := p.HandleIncoming(connB, hb, now)
	require.NoError(t, err)
	require.Empty(t, deliveries)
}

func TestResendPreservesArrangingID(t *testing.T) {
	p, connA, connB := newPair(t, nil)
	now := time.Unix(0, 0)

	dg, err := p.EncodeOutgoing(connA, 7, wire.ReliableOrdered, []byte("only"), now)
	require.NoError(t, err)
	_ = dg // original is "dropped"

	later := now.Add(connA.ResendTimeout() + time.Millisecond)
	resent := p.Tick(connA, later)
	require.Len(t, resent, 1)

	deliveries, err := p.HandleIncoming(connB, resent[0], later)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, []byte("only"), deliveries[0].Payload)
}
