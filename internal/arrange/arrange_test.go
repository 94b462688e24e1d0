package arrange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencerNewestWins(t *testing.T) {
	s := NewSequencer()
	require.True(t, s.Accept(6)) // first arrival always accepted
	require.False(t, s.Accept(5)) // older, dropped
	require.True(t, s.Accept(7)) // newer
}

func TestSequencerWraparound(t *testing.T) {
	s := NewSequencer()
	require.True(t, s.Accept(65535))
	require.True(t, s.Accept(0)) // wraps forward
	require.False(t, s.Accept(65535))
}

func TestOrdererGaplessDelivery(t *testing.T) {
	o := NewOrderer(1024, nil)

	// S3: submission order P1, P2, P3 (ids 0,1,2), arrival order P2, P3, P1
	require.Nil(t, o.Accept(1, []byte("P2")))
	require.Nil(t, o.Accept(2, []byte("P3")))
	released := o.Accept(0, []byte("P1"))
	require.Equal(t, [][]byte{[]byte("P1"), []byte("P2"), []byte("P3")}, released)
}

func TestOrdererDropsDuplicates(t *testing.T) {
	o := NewOrderer(1024, nil)
	require.Equal(t, [][]byte{[]byte("a")}, o.Accept(0, []byte("a")))
	require.Nil(t, o.Accept(0, []byte("dup")))
}

func TestOrdererOverflowDropsOldestBuffered(t *testing.T) {
	overflows := 0
	o := NewOrderer(2, func() { overflows++ })

	// buffer ids 5, 6 (waiting on 0..4), then 7 should evict the
	// longest-buffered entry (5).
	require.Nil(t, o.Accept(5, []byte("five")))
	require.Nil(t, o.Accept(6, []byte("six")))
	require.Nil(t, o.Accept(7, []byte("seven")))
	require.Equal(t, 1, overflows)
	require.Equal(t, 2, o.Len())
}
