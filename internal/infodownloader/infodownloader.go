// Package infodownloader drives the BEP 9 trackerless metadata fetch: a
// small state machine that requests the "info" dictionary piecewise
// from whichever connected peers advertise the ut_metadata extension,
// and verifies the assembled buffer against the expected info hash,
// per spec §4.13.
package infodownloader

import (
	"crypto/sha1"
	"errors"

	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

const pieceSize = peerprotocol.MetadataPieceSize

// ErrHashMismatch is returned by Verify when the assembled buffer's
// SHA-1 doesn't match the expected info hash.
var ErrHashMismatch = errors.New("infodownloader: info hash mismatch")

// Peer is the subset of internal/peerconn.Peer the fetcher needs.
type Peer interface {
	ID() [20]byte
	SendMessage(msg peerprotocol.Message)
	ExtensionID(name string) (byte, bool)
}

type peerState struct {
	peer      Peer
	extID     byte
	requested map[int]struct{}
}

// Fetcher assembles one torrent's info dictionary from piece requests
// spread across its connected peers.
type Fetcher struct {
	infoHash [20]byte

	total    int
	pieces   int
	buf      []byte
	have     []bool
	pending  []int // unassigned piece indices

	peers     map[[20]byte]*peerState
	blacklist map[[20]byte]bool

	queueLength int
	done        bool
}

// New creates a fetcher for infoHash. queueLength bounds how many
// outstanding piece requests each peer may carry at once.
func New(infoHash [20]byte, queueLength int) *Fetcher {
	return &Fetcher{
		infoHash:    infoHash,
		peers:       make(map[[20]byte]*peerState),
		blacklist:   make(map[[20]byte]bool),
		queueLength: queueLength,
	}
}

// PeerStarted registers a peer that advertised the ut_metadata
// extension. The first peer to report a size allocates the buffer;
// later peers are expected to agree (a mismatching size marks the
// peer blacklisted and ignored).
func (f *Fetcher) PeerStarted(p Peer, metadataSize int) {
	if f.blacklist[p.ID()] {
		return
	}
	extID, ok := p.ExtensionID(peerprotocol.ExtensionNameMetadata)
	if !ok {
		return
	}
	if f.total == 0 {
		f.allocate(metadataSize)
	} else if metadataSize != f.total {
		f.blacklist[p.ID()] = true
		return
	}
	f.peers[p.ID()] = &peerState{peer: p, extID: extID, requested: make(map[int]struct{})}
	f.assign()
}

func (f *Fetcher) allocate(size int) {
	f.total = size
	f.buf = make([]byte, size)
	f.pieces = size / pieceSize
	if size%pieceSize != 0 {
		f.pieces++
	}
	f.have = make([]bool, f.pieces)
	f.pending = f.pending[:0]
	for i := 0; i < f.pieces; i++ {
		f.pending = append(f.pending, i)
	}
}

// PeerStopped unregisters a peer, returning any pieces it had
// in-flight to the pending queue.
func (f *Fetcher) PeerStopped(id [20]byte) {
	st, ok := f.peers[id]
	if !ok {
		return
	}
	for piece := range st.requested {
		if !f.have[piece] {
			f.pending = append(f.pending, piece)
		}
	}
	delete(f.peers, id)
}

// assign sends Request messages for pending pieces to any peer below
// its queue length, round-robining through connected peers.
func (f *Fetcher) assign() {
	for len(f.pending) > 0 {
		assigned := false
		for _, st := range f.peers {
			if len(f.pending) == 0 {
				break
			}
			if len(st.requested) >= f.queueLength {
				continue
			}
			piece := f.pending[0]
			f.pending = f.pending[1:]
			st.requested[piece] = struct{}{}
			st.peer.SendMessage(peerprotocol.ExtensionMessage{
				ExtendedMessageID: st.extID,
				Payload:           peerprotocol.MetadataRequestMessage{Piece: piece},
			})
			assigned = true
		}
		if !assigned {
			return
		}
	}
}

// HandleData processes a Data message from from, writing its payload
// at piece*pieceSize. It is a no-op if the piece wasn't requested from
// this peer, or the fetcher already has a verified result.
func (f *Fetcher) HandleData(from [20]byte, msg peerprotocol.MetadataDataMessage) {
	if f.done {
		return
	}
	st, ok := f.peers[from]
	if !ok {
		return
	}
	if _, ok := st.requested[msg.Piece]; !ok {
		return
	}
	delete(st.requested, msg.Piece)
	begin := msg.Piece * pieceSize
	end := begin + len(msg.Data)
	if end > len(f.buf) {
		return
	}
	copy(f.buf[begin:end], msg.Data)
	f.have[msg.Piece] = true
	f.assign()
}

// HandleReject returns a rejected piece to the pending queue.
func (f *Fetcher) HandleReject(from [20]byte, msg peerprotocol.MetadataRejectMessage) {
	st, ok := f.peers[from]
	if !ok {
		return
	}
	if _, ok := st.requested[msg.Piece]; ok {
		delete(st.requested, msg.Piece)
		f.pending = append(f.pending, msg.Piece)
		f.assign()
	}
}

func (f *Fetcher) allReceived() bool {
	if f.total == 0 {
		return false
	}
	for _, ok := range f.have {
		if !ok {
			return false
		}
	}
	return true
}

// Verify checks whether every piece has arrived and, if so, whether
// the assembled buffer hashes to infoHash. It returns (nil, nil) while
// the fetch is still in progress, (nil, ErrHashMismatch) after
// blacklisting every contributing peer and resetting for a restart,
// or the verified info bytes with a nil error on success.
func (f *Fetcher) Verify() ([]byte, error) {
	if !f.allReceived() {
		return nil, nil
	}
	sum := sha1.Sum(f.buf)
	if sum != f.infoHash {
		for id := range f.peers {
			f.blacklist[id] = true
		}
		f.peers = make(map[[20]byte]*peerState)
		f.total = 0
		return nil, ErrHashMismatch
	}
	f.done = true
	return f.buf, nil
}

// Done reports whether the fetch has produced a verified result.
func (f *Fetcher) Done() bool { return f.done }
