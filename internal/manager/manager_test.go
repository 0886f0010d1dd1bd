package manager

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrove/bittorrent/internal/btconn"
	"github.com/nilgrove/bittorrent/internal/logger"
)

// blockingDialer never returns, so Connect's busy slot stays held for
// as long as the test needs it to.
type blockingDialer struct {
	unblock chan struct{}
}

func (d blockingDialer) Dial(ep Endpoint, t Transport) (io.ReadWriteCloser, error) {
	<-d.unblock
	return nil, io.ErrClosedPipe
}

// failDialer never gets called; calling it is a test failure.
type failDialer struct{ t *testing.T }

func (d failDialer) Dial(ep Endpoint, t Transport) (io.ReadWriteCloser, error) {
	d.t.Fatal("dialer should not have been invoked while the endpoint was busy")
	return nil, nil
}

func newTestManager() *Manager {
	return New([20]byte{1, 2, 3}, [20]byte{0xAA}, logger.New("manager_test"), 8)
}

// TestAcceptDroppedWhileConnecting covers the pre-handshake half of
// spec §4.8 property 11: an Accept for an endpoint a Connect is
// already dialing must be rejected and its socket closed, even before
// any agent exists.
func TestAcceptDroppedWhileConnecting(t *testing.T) {
	m := newTestManager()
	ep := Endpoint{Addr: "peer:1"}

	unblock := make(chan struct{})
	connectDone := make(chan struct{})
	go func() {
		m.Connect(ep, blockingDialer{unblock: unblock}, nil)
		close(connectDone)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.entry(ep).connecting
	}, time.Second, time.Millisecond)

	local, remote := net.Pipe()
	defer remote.Close()
	known := func() [][20]byte { return [][20]byte{m.infoHash} }
	m.Accept(ep, local, btconn.Plain, known)

	// Accept must have closed local without attempting a handshake.
	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := remote.Read(buf)
	require.Error(t, err)

	close(unblock)
	<-connectDone
	require.Empty(t, m.Snapshot())
}

// TestConnectDroppedWhileBusy covers the symmetric case: a second
// Connect for an endpoint already mid-attempt must return immediately
// without ever touching the dialer.
func TestConnectDroppedWhileBusy(t *testing.T) {
	m := newTestManager()
	ep := Endpoint{Addr: "peer:2"}

	m.mu.Lock()
	m.entry(ep).connecting = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Connect(ep, failDialer{t: t}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Connect did not return promptly for a busy endpoint")
	}
}

// TestConnectAcceptRaceYieldsOneAgent drives a genuine two-socket race
// for the same endpoint: one real handshake completed via Connect's
// dial path, another via Accept's inbound path, both started with no
// synchronization between them. Whichever wins, exactly one agent must
// end up installed and the loser's connection must be closed — spec
// §4.8 property 11, the invariant manager.go:227-251 used to violate.
func TestConnectAcceptRaceYieldsOneAgent(t *testing.T) {
	infoHash := [20]byte{9, 9, 9}
	m := New(infoHash, [20]byte{0xAA}, logger.New("manager_test"), 8)
	ep := Endpoint{Addr: "peer:3"}

	// Force Connect to try a single Plain preference so its dialer's
	// one pipe conn is used exactly once.
	m.mu.Lock()
	m.entry(ep).preferences = []Preference{{Transport: TCP, Cipher: btconn.Plain}}
	m.mu.Unlock()

	// Socket A: our Connect dials out, a remote peer accepts.
	localA, remoteA := net.Pipe()
	// Socket B: a remote peer dials in, our Accept receives.
	localB, remoteB := net.Pipe()

	remoteDone := make(chan struct{}, 2)
	go func() {
		known := func() [][20]byte { return [][20]byte{infoHash} }
		_, _ = btconn.Accept(remoteA, btconn.Plain, known, [20]byte{0xB1}, false, false)
		remoteDone <- struct{}{}
	}()
	go func() {
		_, _ = btconn.Dial(remoteB, btconn.Plain, infoHash, [20]byte{0xB2}, false, false)
		remoteDone <- struct{}{}
	}()

	var dialed int32
	dialer := dialerFunc(func(Endpoint, Transport) (io.ReadWriteCloser, error) {
		atomic.StoreInt32(&dialed, 1)
		return localA, nil
	})

	connectDone := make(chan struct{})
	go func() {
		m.Connect(ep, dialer, nil)
		close(connectDone)
	}()

	acceptDone := make(chan struct{})
	go func() {
		known := func() [][20]byte { return [][20]byte{infoHash} }
		m.Accept(ep, localB, btconn.Plain, known)
		close(acceptDone)
	}()

	waitOrFail := func(ch <-chan struct{}, what string) {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("%s did not finish", what)
		}
	}
	waitOrFail(connectDone, "Connect")
	waitOrFail(acceptDone, "Accept")
	// If Accept took the endpoint first, Connect never dialed and remoteA's
	// handshake has no counterpart; closing localA lets it finish.
	if atomic.LoadInt32(&dialed) == 0 {
		localA.Close()
	}
	waitOrFail(remoteDone, "first remote handshake")
	waitOrFail(remoteDone, "second remote handshake")

	snap := m.Snapshot()
	require.Len(t, snap, 1, "exactly one agent must survive the race")

	m.mu.Lock()
	stillBusy := m.entry(ep).connecting
	m.mu.Unlock()
	require.False(t, stillBusy, "the busy slot must not be left held once both attempts finished")

	for _, agent := range snap {
		agent.Close()
	}
}

type dialerFunc func(ep Endpoint, t Transport) (io.ReadWriteCloser, error)

func (f dialerFunc) Dial(ep Endpoint, t Transport) (io.ReadWriteCloser, error) { return f(ep, t) }
