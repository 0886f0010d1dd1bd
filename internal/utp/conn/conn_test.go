package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/utp/packet"
	"github.com/nilgrove/bittorrent/internal/utp/window"
)

// fakeSender routes encoded datagrams either straight to a peer Conn's
// Feed (once one exists) or, during the handshake before any Conn
// exists yet, to a fallback channel the test drains by hand.
type fakeSender struct {
	mu       sync.Mutex
	feed     func(*packet.Packet)
	fallback chan *packet.Packet
}

func (s *fakeSender) SendTo(_ *net.UDPAddr, b []byte) error {
	p, err := packet.Decode(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	feed := s.feed
	s.mu.Unlock()
	if feed != nil {
		feed(p)
		return nil
	}
	s.fallback <- p
	return nil
}

func (s *fakeSender) setFeed(f func(*packet.Packet)) {
	s.mu.Lock()
	s.feed = f
	s.mu.Unlock()
}

// dialAndAccept builds a fully connected initiator/acceptor pair over
// two fakeSenders, using the real handshake and run loop of both
// Conns — no actual socket involved.
func dialAndAccept(t *testing.T, cfg Config) (dialer, acceptor *Conn) {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969}
	log := logger.New("conn_test")

	synCh := make(chan *packet.Packet, 4)
	senderA := &fakeSender{fallback: synCh}

	dialIncoming := make(chan *packet.Packet, 16)
	senderB := &fakeSender{}
	senderB.setFeed(func(p *packet.Packet) { dialIncoming <- p })

	type dialResult struct {
		c   *Conn
		err error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		c, err := Dial(senderA, addr, dialIncoming, log, cfg)
		dialCh <- dialResult{c, err}
	}()

	var syn *packet.Packet
	select {
	case syn = <-synCh:
	case <-time.After(2 * time.Second):
		t.Fatal("never observed the initial Synchronize packet")
	}

	acceptConn, err := Accept(senderB, addr, syn, log, cfg)
	require.NoError(t, err)

	var res dialResult
	select {
	case res = <-dialCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Dial never completed")
	}
	require.NoError(t, res.err)

	senderA.setFeed(acceptConn.Feed)
	senderB.setFeed(res.c.Feed)

	return res.c, acceptConn
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseGrace = 2 * time.Second
	return cfg
}

// TestDataTransferThroughFullHandshake exercises the handshake and
// run-loop wiring end to end (Dial, Accept, egress, recv-window
// reassembly) before the close-specific tests below drive the same
// pair through a teardown.
func TestDataTransferThroughFullHandshake(t *testing.T) {
	a, b := dialAndAccept(t, testConfig())

	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	a.Abort()
	b.Abort()
}

// TestFinAckedOnlyLatchesOnActualFinAck is a white-box regression test
// for conn.go's handlePacket: finAcked must stay false until a Finish
// has actually been sent and that specific seq is confirmed acked, not
// merely whenever the send window happens to have nothing in flight —
// the bug spec.md:105's close invariant used to let through.
func TestFinAckedOnlyLatchesOnActualFinAck(t *testing.T) {
	c := &Conn{
		log:        logger.New("conn_test"),
		sendWindow: window.NewSendWindow(100, window.DefaultConfig()),
		recvWindow: window.NewRecvWindow(1<<20, 0),
	}
	noopDeliver := func([]byte) {}
	noopSendState := func() {}

	var st state = stateEstablished
	var finAcked, peerFinSeen bool

	// Idle window, no Finish ever sent: an incoming ack must not latch
	// finAcked just because nothing happens to be in flight.
	c.handlePacket(&packet.Packet{Type: packet.State, Ack: 200}, &st, &finAcked, &peerFinSeen, false, 0, noopDeliver, noopSendState)
	require.False(t, finAcked, "finAcked must not latch before any Finish was sent")

	// Now actually send a Finish and record it in the window, the way
	// sendFin does.
	finSeq := c.sendWindow.NextSeq()
	c.sendWindow.Record(finSeq, nil, time.Now())

	// An ack that does not cover finSeq yet must not latch finAcked.
	c.handlePacket(&packet.Packet{Type: packet.State, Ack: finSeq - 1}, &st, &finAcked, &peerFinSeen, true, finSeq, noopDeliver, noopSendState)
	require.False(t, finAcked, "finAcked must not latch before the Finish's own seq is acked")

	// Only once the peer's ack actually covers finSeq does it latch.
	c.handlePacket(&packet.Packet{Type: packet.State, Ack: finSeq}, &st, &finAcked, &peerFinSeen, true, finSeq, noopDeliver, noopSendState)
	require.True(t, finAcked, "finAcked must latch once the Finish's seq is confirmed acked")
}

// TestCloseWithoutPeerFinTimesOut covers the other half of the same
// invariant from the opposite direction: if the peer never
// acknowledges the Finish at all, Close must not return early — it
// must wait out CloseGrace (recording ErrTimeout as the connection's
// error) rather than latching finAcked from unrelated idle traffic.
func TestCloseWithoutPeerFinTimesOut(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969}
	log := logger.New("conn_test")
	cfg := testConfig()
	cfg.CloseGrace = 200 * time.Millisecond

	synCh := make(chan *packet.Packet, 4)
	senderA := &fakeSender{fallback: synCh}
	dialIncoming := make(chan *packet.Packet, 16)

	type dialResult struct {
		c   *Conn
		err error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		c, err := Dial(senderA, addr, dialIncoming, log, cfg)
		dialCh <- dialResult{c, err}
	}()

	syn := <-synCh
	st := &packet.Packet{
		Type:       packet.State,
		ConnID:     syn.ConnID,
		SendAt:     nowMicro(),
		WindowSize: uint32(cfg.RecvWindowSize),
		Seq:        1000,
		Ack:        syn.Seq,
	}
	dialIncoming <- st

	res := <-dialCh
	require.NoError(t, res.err)

	// senderA now black-holes everything: the peer never acks the
	// Finish Close() is about to send. Before the finAcked fix, the
	// idle send window alone was enough to latch finAcked and Close
	// would return almost immediately; now it must block for the full
	// CloseGrace before giving up.
	senderA.setFeed(func(*packet.Packet) {})

	start := time.Now()
	require.NoError(t, res.c.Close())
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, cfg.CloseGrace)
}
