// Package peerconn runs one established peer connection's message pump:
// a reader goroutine decoding frames into a Messages channel and a
// writer goroutine serializing outgoing messages, both shut down
// together when either the peer or the local side closes, per spec
// §4.7's "per-peer agent".
package peerconn

import (
	"io"
	"sync"

	"github.com/nilgrove/bittorrent/internal/bitfield"
	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

// Peer is one live connection to a remote client, already past the BEP
// 3 handshake (see internal/btconn).
type Peer struct {
	conn     io.ReadWriteCloser
	id       [20]byte
	addr     string
	extIDs   *peerprotocol.ExtensionIDMap
	log      logger.Logger
	messages chan interface{}
	writeC   chan peerprotocol.Message
	closeC   chan struct{}
	closedC  chan struct{}

	haveMu sync.Mutex
	have   *bitfield.Bitfield
}

// New wraps conn (the negotiated stream from btconn.Result) into a
// Peer. addr is used only for logging/display.
func New(conn io.ReadWriteCloser, id [20]byte, addr string, extIDs *peerprotocol.ExtensionIDMap, l logger.Logger) *Peer {
	return &Peer{
		conn:     conn,
		id:       id,
		addr:     addr,
		extIDs:   extIDs,
		log:      l,
		messages: make(chan interface{}, 256),
		writeC:   make(chan peerprotocol.Message, 256),
		closeC:   make(chan struct{}),
		closedC:  make(chan struct{}),
		have:     bitfield.New(0),
	}
}

func (p *Peer) ID() [20]byte { return p.id }

// ExtensionID returns the peer's own numbering for a named BEP 10
// extension (e.g. "ut_metadata"), learned from its extension
// handshake, for use as ExtensionMessage.ExtendedMessageID when
// sending to this peer.
func (p *Peer) ExtensionID(name string) (byte, bool) { return p.extIDs.PeerID(name) }

func (p *Peer) String() string { return p.addr }

// Done returns a channel closed once Run has torn down both pumps,
// letting a manager join an agent's exit without polling.
func (p *Peer) Done() <-chan struct{} { return p.closedC }

func (p *Peer) Logger() logger.Logger { return p.log }

// HasPiece reports whether this peer has announced piece i, via a
// prior Bitfield or Have message.
func (p *Peer) HasPiece(i int) bool {
	p.haveMu.Lock()
	defer p.haveMu.Unlock()
	return p.have.Test(i)
}

// NumPiecesHave returns how many pieces this peer has announced.
func (p *Peer) NumPiecesHave() int {
	p.haveMu.Lock()
	defer p.haveMu.Unlock()
	return p.have.Count()
}

// maxHaveIndex bounds how far a single Have message can grow a peer's
// bitfield: far beyond any real torrent's piece count, but well short
// of the multi-gigabyte bitset a peer could otherwise force by
// announcing index ~2^32.
const maxHaveIndex = 1 << 24

func (p *Peer) trackHaveMessage(msg interface{}) {
	p.haveMu.Lock()
	defer p.haveMu.Unlock()
	switch m := msg.(type) {
	case peerprotocol.BitfieldMessage:
		p.have = bitfield.FromBytes(m.Data, len(m.Data)*8)
	case peerprotocol.HaveMessage:
		if m.Index >= maxHaveIndex {
			p.log.Debugln("peer", p.addr, "sent out-of-range have index", m.Index, "ignoring")
			return
		}
		p.have.Grow(int(m.Index) + 1)
		p.have.Set(int(m.Index))
	}
}

// Messages returns the channel of decoded peerprotocol.Message values.
// It is closed once the reader stops (peer closed, or a protocol
// error).
func (p *Peer) Messages() <-chan interface{} { return p.messages }

// SendMessage enqueues msg for the writer. It does not block on the
// network; a full queue drops the connection rather than stall the
// caller indefinitely.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	select {
	case p.writeC <- msg:
	case <-p.closeC:
	default:
		p.log.Warningln("peer write queue full, closing", p.addr)
		p.Close()
	}
}

// Close tears down the connection and waits for both pump goroutines
// to exit.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
	<-p.closedC
}

// Run starts the reader and writer pumps and blocks until both have
// exited, closing the underlying connection as soon as either side (or
// the caller, via Close) signals done.
func (p *Peer) Run() {
	defer close(p.closedC)
	p.log.Debugln("communicating with peer", p.addr)

	readerDone := make(chan struct{})
	go func() {
		p.readLoop()
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		p.writeLoop()
		close(writerDone)
	}()

	select {
	case <-p.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	p.conn.Close()
	<-readerDone
	<-writerDone
}

func (p *Peer) readLoop() {
	defer close(p.messages)
	for {
		msg, err := peerprotocol.ReadMessage(p.conn, p.extIDs)
		if err != nil {
			if err != io.EOF {
				p.log.Debugln("peer read error", p.addr, err)
			}
			return
		}
		p.trackHaveMessage(msg)
		select {
		case p.messages <- msg:
		case <-p.closeC:
			return
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.writeC:
			if err := peerprotocol.WriteMessage(p.conn, msg); err != nil {
				p.log.Debugln("peer write error", p.addr, err)
				return
			}
		case <-p.closeC:
			return
		}
	}
}
