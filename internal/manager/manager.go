// Package manager implements the peer connection manager: per-endpoint
// connector/agent bookkeeping, transport/cipher preference rotation,
// and a lossy Start/Stop broadcast bus, per spec §4.8.
package manager

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/nilgrove/bittorrent/internal/btconn"
	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/peerconn"
	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

// Transport is the outer transport a preference dials over.
type Transport int

const (
	TCP Transport = iota
	UTP
)

func (t Transport) String() string {
	if t == UTP {
		return "utp"
	}
	return "tcp"
}

// Preference is one (transport, cipher) pair the connector tries, in
// the rotation order of spec §4.8.
type Preference struct {
	Transport Transport
	Cipher    btconn.Cipher
}

// DefaultPreferences is the connector's initial try order for an
// endpoint with no connection history.
var DefaultPreferences = []Preference{
	{TCP, btconn.MSE},
	{UTP, btconn.MSE},
	{TCP, btconn.Plain},
	{UTP, btconn.Plain},
}

// Endpoint identifies a remote peer by transport-agnostic address.
// Two endpoints with the same Addr but different Transport are the
// same entry — spec §4.8 keys connections by address, not by which
// transport eventually succeeds.
type Endpoint struct {
	Addr string
}

func (e Endpoint) String() string { return e.Addr }

// Dialer opens a raw transport stream to an endpoint; the caller
// supplies the concrete TCP/µTP implementation (the manager itself
// owns no sockets).
type Dialer interface {
	Dial(ep Endpoint, t Transport) (io.ReadWriteCloser, error)
}

// EventKind discriminates a bus Event.
type EventKind int

const (
	Start EventKind = iota
	Stop
	Lagged
)

// Event is broadcast to subscribers when an agent begins or ends, or
// when a subscriber's channel overflowed and it must resync from
// Snapshot.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Peer     *peerconn.Peer
	Lagged   int
}

type connEntry struct {
	connecting  bool
	agent       *peerconn.Peer
	preferences []Preference
}

// Manager tracks one torrent's peer connections.
type Manager struct {
	infoHash [20]byte
	ourID    [20]byte
	log      logger.Logger

	mu      sync.Mutex
	entries map[string]*connEntry

	subMu sync.Mutex
	subs  map[uuid.UUID]chan Event

	busCap int
}

// New creates a manager for infoHash. busCap bounds each subscriber's
// channel; a subscriber slower than busCap events behind receives a
// Lagged event instead of blocking the broadcaster.
func New(infoHash, ourID [20]byte, l logger.Logger, busCap int) *Manager {
	return &Manager{
		infoHash: infoHash,
		ourID:    ourID,
		log:      l,
		entries:  make(map[string]*connEntry),
		subs:     make(map[uuid.UUID]chan Event),
		busCap:   busCap,
	}
}

// Subscribe registers for Start/Stop/Lagged events and returns a
// handle to later Unsubscribe.
func (m *Manager) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, m.busCap)
	m.subMu.Lock()
	m.subs[id] = ch
	m.subMu.Unlock()
	return id, ch
}

func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.subMu.Lock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()
}

func (m *Manager) broadcast(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest queued event to make room for the notice.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Event{Kind: Lagged, Lagged: len(ch)}:
			default:
				m.log.Warningln("subscriber", id, "dropped lagged notice, channel stuck")
			}
		}
	}
}

// Snapshot returns every currently running agent, for a subscriber
// resyncing after a Lagged event.
func (m *Manager) Snapshot() []*peerconn.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peerconn.Peer, 0, len(m.entries))
	for _, e := range m.entries {
		if e.agent != nil {
			out = append(out, e.agent)
		}
	}
	return out
}

func (m *Manager) entry(ep Endpoint) *connEntry {
	e, ok := m.entries[ep.String()]
	if !ok {
		e = &connEntry{preferences: append([]Preference(nil), DefaultPreferences...)}
		m.entries[ep.String()] = e
	}
	return e
}

// Connect acquires ep's connector slot and, if free, dials through its
// preference list until one succeeds or all are exhausted. A second
// concurrent call for the same endpoint — or an Accept racing it — is
// dropped immediately — spec §4.8 property 11. The slot (e.connecting)
// is held for the entire dial+handshake attempt and only released in
// the same critical section that either installs the new agent or
// gives up, so an Accept can never observe a gap where neither
// e.connecting nor e.agent is set while this call is still in flight.
// expectedPeerID, if non-nil, is compared against the dialed peer's
// handshake id once the connection is established; a mismatch is
// logged only — the peer already completed a valid handshake for this
// info hash, so the connection is kept rather than torn down.
func (m *Manager) Connect(ep Endpoint, dialer Dialer, expectedPeerID *[20]byte) {
	m.mu.Lock()
	e := m.entry(ep)
	if e.connecting || e.agent != nil {
		m.mu.Unlock()
		m.log.Debugln("already connecting to", ep, "dropping request")
		return
	}
	e.connecting = true
	prefs := append([]Preference(nil), e.preferences...)
	m.mu.Unlock()

	for i, pref := range prefs {
		rw, err := dialer.Dial(ep, pref.Transport)
		if err != nil {
			m.log.Debugln("dial", ep, pref.Transport, err)
			continue
		}
		res, err := btconn.Dial(rw, pref.Cipher, m.infoHash, m.ourID, true, true)
		if err != nil {
			m.log.Debugln("handshake", ep, pref.Transport, err)
			continue
		}
		if expectedPeerID != nil && res.Handshake.PeerID != *expectedPeerID {
			m.log.Warningln("peer", ep, "handshake id", res.Handshake.PeerID, "!= expected", *expectedPeerID)
		}

		m.mu.Lock()
		// Rotate the successful preference to the front for next time.
		rotated := append([]Preference{pref}, append(append([]Preference(nil), prefs[:i]...), prefs[i+1:]...)...)
		e.preferences = rotated
		started := m.startAgentLocked(ep, e, res)
		m.mu.Unlock()
		if !started {
			res.Conn.Close()
		}
		return
	}

	m.mu.Lock()
	e.connecting = false
	m.mu.Unlock()
	m.log.Debugln("exhausted all preferences for", ep)
}

// Accept registers an incoming connection. If a connector is already
// running against the same endpoint — dialing or mid-handshake — the
// accepted socket loses and is closed, symmetric with Connect: the
// busy slot (e.connecting) is claimed before the handshake begins and
// only released once the agent is installed or the attempt fails, so
// neither side can install a second agent for an endpoint the other
// is still working on.
func (m *Manager) Accept(ep Endpoint, rw io.ReadWriteCloser, cipher btconn.Cipher, known btconn.InfoHashSet) {
	m.mu.Lock()
	e := m.entry(ep)
	if e.connecting || e.agent != nil {
		m.mu.Unlock()
		rw.Close()
		return
	}
	e.connecting = true
	m.mu.Unlock()

	res, err := btconn.Accept(rw, cipher, known, m.ourID, true, true)
	if err != nil {
		m.mu.Lock()
		e.connecting = false
		m.mu.Unlock()
		m.log.Debugln("accept handshake", ep, err)
		return
	}

	m.mu.Lock()
	started := m.startAgentLocked(ep, e, res)
	m.mu.Unlock()
	if !started {
		res.Conn.Close()
	}
}

// startAgentLocked installs res as e's running agent and spawns its
// pump goroutine. Called with m.mu held; it is the sole place that
// transitions e out of "busy" (e.connecting) into either "running"
// (e.agent set) or back to idle, so the check and the transition are
// atomic with respect to both Connect and Accept.
func (m *Manager) startAgentLocked(ep Endpoint, e *connEntry, res *btconn.Result) bool {
	e.connecting = false
	if e.agent != nil {
		return false
	}

	extIDs := peerprotocol.NewExtensionIDMap()
	extIDs.Register(peerprotocol.ExtensionNameMetadata)
	l := logger.New(fmt.Sprintf("peer %s %s", ep, res.Handshake.PeerID))
	agent := peerconn.New(res.Conn, res.Handshake.PeerID, ep.String(), extIDs, l)
	e.agent = agent

	go func() {
		agent.SendMessage(peerprotocol.ExtensionMessage{
			ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
			Payload:           peerprotocol.ExtensionHandshakeMessage{M: extIDs.OurM()},
		})
		m.broadcast(Event{Kind: Start, Endpoint: ep, Peer: agent})
		agent.Run()
		m.mu.Lock()
		e.agent = nil
		m.mu.Unlock()
		m.broadcast(Event{Kind: Stop, Endpoint: ep, Peer: agent})
	}()
	return true
}
