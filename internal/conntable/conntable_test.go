package conntable

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rudp/internal/config"
	"rudp/internal/connection"
)

func addrN(t *testing.T, port int) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	a.Port = port
	return a
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tbl := New(config.Default(), nil)
	now := time.Unix(0, 0)
	a := addrN(t, 1)

	c1, err := tbl.GetOrCreate(a, now)
	require.NoError(t, err)
	c2, err := tbl.GetOrCreate(a, now)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestGetOrCreateEnforcesMaxConnections(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConnections = 2
	cfg.MaxUnestablished = 2
	tbl := New(cfg, nil)
	now := time.Unix(0, 0)

	_, err := tbl.GetOrCreate(addrN(t, 1), now)
	require.NoError(t, err)
	_, err = tbl.GetOrCreate(addrN(t, 2), now)
	require.NoError(t, err)
	_, err = tbl.GetOrCreate(addrN(t, 3), now)
	require.ErrorIs(t, err, ErrConnectionLimitReached)
}

func TestGetOrCreateEnforcesMaxUnestablished(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConnections = 10
	cfg.MaxUnestablished = 1
	tbl := New(cfg, nil)
	now := time.Unix(0, 0)

	c1, err := tbl.GetOrCreate(addrN(t, 1), now)
	require.NoError(t, err)
	_, err = tbl.GetOrCreate(addrN(t, 2), now)
	require.ErrorIs(t, err, ErrTooManyUnestablished)

	// once c1 graduates to Connected, the unestablished slot frees up
	c1.State = connection.StateConnected
	_, err = tbl.GetOrCreate(addrN(t, 2), now)
	require.NoError(t, err)
}

func TestReapRemovesIdleConnections(t *testing.T) {
	cfg := config.Default()
	cfg.IdleTimeout = 1 * time.Second
	tbl := New(cfg, nil)
	now := time.Unix(0, 0)

	_, err := tbl.GetOrCreate(addrN(t, 1), now)
	require.NoError(t, err)

	var timedOut []*connection.Connection
	tbl.Reap(now.Add(500*time.Millisecond), func(c *connection.Connection) { timedOut = append(timedOut, c) })
	require.Empty(t, timedOut)
	require.Equal(t, 1, tbl.Len())

	tbl.Reap(now.Add(2*time.Second), func(c *connection.Connection) { timedOut = append(timedOut, c) })
	require.Len(t, timedOut, 1)
	require.Equal(t, 0, tbl.Len())
}

func TestRangeVisitsAll(t *testing.T) {
	tbl := New(config.Default(), nil)
	now := time.Unix(0, 0)
	_, _ = tbl.GetOrCreate(addrN(t, 1), now)
	_, _ = tbl.GetOrCreate(addrN(t, 2), now)

	count := 0
	tbl.Range(func(*connection.Connection) { count++ })
	require.Equal(t, 2, count)
}
