package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecvWindowInOrderDelivery(t *testing.T) {
	w := NewRecvWindow(10, 0)
	delivered, err := w.Accept(1, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a")}, delivered)
	require.Equal(t, uint16(1), w.Ack())
}

func TestRecvWindowOutOfOrderDrainsOnGapFill(t *testing.T) {
	w := NewRecvWindow(10, 0)
	_, err := w.Accept(1, []byte("a"))
	require.NoError(t, err)

	delivered, err := w.Accept(3, []byte("c"))
	require.NoError(t, err)
	require.Empty(t, delivered) // seq 2 hasn't arrived yet
	require.Equal(t, uint16(1), w.Ack())

	delivered, err = w.Accept(2, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b"), []byte("c")}, delivered)
	require.Equal(t, uint16(3), w.Ack())
}

func TestRecvWindowDuplicateDropped(t *testing.T) {
	w := NewRecvWindow(10, 0)
	_, _ = w.Accept(1, []byte("a"))
	delivered, err := w.Accept(1, []byte("a-again"))
	require.NoError(t, err)
	require.Nil(t, delivered)
}

func TestRecvWindowOverflow(t *testing.T) {
	w := NewRecvWindow(10, 0)
	_, err := w.Accept(20, []byte("x"))
	require.Error(t, err)
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, uint16(20), overflow.Seq)
}

func TestRecvWindowSelectiveAckOffsets(t *testing.T) {
	w := NewRecvWindow(10, 0)
	_, _ = w.Accept(3, []byte("c")) // offset 1 (ack+3)
	_, _ = w.Accept(5, []byte("e")) // offset 3 (ack+5)

	offsets := w.SelectiveAckOffsets()
	require.ElementsMatch(t, []int{1, 3}, offsets)
}

func TestRecvWindowCloseMarksDoneOnceAckReachesFin(t *testing.T) {
	w := NewRecvWindow(10, 0)
	w.Close(2)
	require.False(t, w.Done())

	_, _ = w.Accept(1, []byte("a"))
	require.False(t, w.Done())
	_, _ = w.Accept(2, []byte("b"))
	require.True(t, w.Done())
}

func TestRTTSampleClampsToMinimum(t *testing.T) {
	var r RTT
	r.Sample(50 * time.Millisecond)
	require.Equal(t, minRTOTimeout, r.Timeout)
}

func TestRTTSampleClampsToMaximum(t *testing.T) {
	var r RTT
	r.Sample(40 * time.Second)
	require.Equal(t, maxRTOTimeout, r.Timeout)
}

func TestRTTBackoffDoublesAndCaps(t *testing.T) {
	var r RTT
	r.Timeout = 500 * time.Millisecond
	r.Backoff()
	require.Equal(t, time.Second, r.Timeout)

	r.Timeout = 20 * time.Second
	r.Backoff()
	require.Equal(t, maxRTOTimeout, r.Timeout)
}

func TestSendWindowNextSeqAndPeek(t *testing.T) {
	w := NewSendWindow(5, DefaultConfig())
	require.Equal(t, uint16(5), w.NextSeqPeek())
	require.Equal(t, uint16(5), w.NextSeq())
	require.Equal(t, uint16(6), w.NextSeq())
	require.Equal(t, uint16(7), w.NextSeqPeek())
}

func TestSendWindowAvailBoundedByCongestionWindow(t *testing.T) {
	w := NewSendWindow(1, DefaultConfig())
	require.Equal(t, uint32(300), w.SizeLimit()) // MinPacketSize*2

	w.Record(w.NextSeq(), make([]byte, 100), time.Now())
	require.Equal(t, uint32(100), w.BytesInFlight())
	require.Equal(t, uint32(200), w.Avail())
}

func TestSendWindowRecvAckAcknowledgesAndGrowsWindow(t *testing.T) {
	w := NewSendWindow(1, DefaultConfig())
	seqA := w.NextSeq()
	seqB := w.NextSeq()
	now := time.Now()
	w.Record(seqA, make([]byte, 50), now)
	w.Record(seqB, make([]byte, 50), now)

	ackedBytes, lost := w.RecvAck(seqB, nil, 1000, now.Add(10*time.Millisecond))
	require.Equal(t, uint32(100), ackedBytes)
	require.False(t, lost)
	require.Equal(t, 0, w.InFlightCount())
	require.Equal(t, uint32(1300), w.SizeLimit()) // 300 + 3000*1*100/300
}

func TestSendWindowRecvAckDetectsLossViaSelectiveAcks(t *testing.T) {
	w := NewSendWindow(1, DefaultConfig())
	seq1 := w.NextSeq()
	seq2 := w.NextSeq()
	seq3 := w.NextSeq()
	seq4 := w.NextSeq()
	now := time.Now()
	for _, s := range []uint16{seq1, seq2, seq3, seq4} {
		w.Record(s, make([]byte, 100), now)
	}

	// ack 0 acknowledges nothing directly, but selectively acks seq2..seq4
	// (offsets 0,1,2 relative to ack+2), leaving seq1 unacked with three
	// later packets selectively acked: loss.
	ackedBytes, lost := w.RecvAck(0, []int{0, 1, 2}, 0, now)
	require.Equal(t, uint32(0), ackedBytes)
	require.True(t, lost)
	require.Equal(t, uint32(150), w.SizeLimit()) // halved from 300, floored at MinPacketSize
	require.Equal(t, 4, w.InFlightCount())        // none acked outright
}

func TestSendWindowHalveWindowFloorsAtMinPacketSize(t *testing.T) {
	w := NewSendWindow(1, DefaultConfig())
	w.HalveWindow()
	require.Equal(t, uint32(150), w.SizeLimit())
	w.HalveWindow()
	require.Equal(t, uint32(150), w.SizeLimit()) // floored, not further halved below MinPacketSize
}

func TestSendWindowRTTTimeoutDefaultsToOneSecond(t *testing.T) {
	w := NewSendWindow(1, DefaultConfig())
	require.Equal(t, time.Second, w.RTTTimeout())
}
