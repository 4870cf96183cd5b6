package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTLifecycle(t *testing.T) {
	e := New(nil, nil)
	require.False(t, e.IsRTTRunning())

	_, err := e.StopRTT()
	require.ErrorIs(t, err, ErrRTTNotRunning)

	require.NoError(t, e.StartRTT())
	require.True(t, e.IsRTTRunning())
	require.ErrorIs(t, e.StartRTT(), ErrRTTAlreadyRunning)

	time.Sleep(time.Millisecond)
	rtt, err := e.StopRTT()
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))
	require.False(t, e.IsRTTRunning())
}

func TestIPTWindowCapsAtTen(t *testing.T) {
	e := New(nil, nil)
	for i := 0; i < 15; i++ {
		e.NotePacket()
		time.Sleep(time.Millisecond)
	}
	require.Len(t, e.iptWin.samples, windowSize)
}

func TestNumPacketsDefaultsToOneBeforeAnySample(t *testing.T) {
	e := New(nil, nil)
	require.Equal(t, uint32(1), e.NumPackets())
}

func TestNextStatusDeadlineAdvancesWithIPTAndRTT(t *testing.T) {
	e := New(nil, nil)
	base := time.Now()
	deadline := e.NextStatusDeadline(base)
	require.True(t, deadline.After(base) || deadline.Equal(base))

	// IPT 10ms is 100 pps, so NumPackets is floor(100/ln 101) = 21 and the
	// deadline lies 21*10ms of IPT plus 50ms of RTT past base.
	e.ipt = 10 * time.Millisecond
	e.rtt = 50 * time.Millisecond
	require.Equal(t, uint32(21), e.NumPackets())
	require.True(t, e.NextStatusDeadline(base).Equal(base.Add(260*time.Millisecond)))
}
