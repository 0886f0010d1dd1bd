package infodownloader

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

type fakePeer struct {
	id   [20]byte
	sent []peerprotocol.Message
}

func newFakePeer(b byte) *fakePeer {
	var id [20]byte
	id[0] = b
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() [20]byte { return p.id }

func (p *fakePeer) SendMessage(msg peerprotocol.Message) { p.sent = append(p.sent, msg) }

func (p *fakePeer) ExtensionID(name string) (byte, bool) {
	if name == peerprotocol.ExtensionNameMetadata {
		return 3, true
	}
	return 0, false
}

func requestedPieces(p *fakePeer) []int {
	var out []int
	for _, m := range p.sent {
		em := m.(peerprotocol.ExtensionMessage)
		req := em.Payload.(peerprotocol.MetadataRequestMessage)
		out = append(out, req.Piece)
	}
	return out
}

func TestPeerStartedAllocatesAndAssigns(t *testing.T) {
	f := New([20]byte{1}, 10)
	p := newFakePeer(1)
	f.PeerStarted(p, 2*peerprotocol.MetadataPieceSize)

	require.Len(t, requestedPieces(p), 2)
	require.ElementsMatch(t, []int{0, 1}, requestedPieces(p))
}

func TestPeerStartedMismatchedSizeBlacklisted(t *testing.T) {
	f := New([20]byte{1}, 10)
	a := newFakePeer(1)
	b := newFakePeer(2)
	f.PeerStarted(a, 2*peerprotocol.MetadataPieceSize)
	a.sent = nil

	f.PeerStarted(b, 3*peerprotocol.MetadataPieceSize)
	require.Empty(t, b.sent)

	// blacklisted peer is ignored on a later call too
	f.PeerStarted(b, 2*peerprotocol.MetadataPieceSize)
	require.Empty(t, b.sent)
}

func TestHandleDataCompletesAndVerifies(t *testing.T) {
	data := make([]byte, peerprotocol.MetadataPieceSize)
	for i := range data {
		data[i] = byte(i)
	}
	infoHash := sha1.Sum(data)

	f := New(infoHash, 10)
	p := newFakePeer(1)
	f.PeerStarted(p, len(data))

	buf, err := f.Verify()
	require.NoError(t, err)
	require.Nil(t, buf)

	f.HandleData(p.ID(), peerprotocol.MetadataDataMessage{Piece: 0, Data: data})

	buf, err = f.Verify()
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.True(t, f.Done())
}

func TestHandleDataHashMismatchBlacklistsAndRestarts(t *testing.T) {
	data := make([]byte, peerprotocol.MetadataPieceSize)
	wrongHash := sha1.Sum([]byte("not the actual data"))

	f := New(wrongHash, 10)
	p := newFakePeer(1)
	f.PeerStarted(p, len(data))
	f.HandleData(p.ID(), peerprotocol.MetadataDataMessage{Piece: 0, Data: data})

	buf, err := f.Verify()
	require.ErrorIs(t, err, ErrHashMismatch)
	require.Nil(t, buf)
	require.False(t, f.Done())

	// the contributing peer is now blacklisted and won't be reassigned
	p.sent = nil
	f.PeerStarted(p, len(data))
	require.Empty(t, p.sent)
}

func TestPeerStoppedRequeuesInFlightPieces(t *testing.T) {
	f := New([20]byte{1}, 1) // queue length 1: only one in-flight piece per peer
	a := newFakePeer(1)
	b := newFakePeer(2)

	f.PeerStarted(a, 3*peerprotocol.MetadataPieceSize)
	require.Len(t, requestedPieces(a), 1)

	f.PeerStopped(a.ID())

	b.sent = nil
	f.PeerStarted(b, 3*peerprotocol.MetadataPieceSize)
	require.NotEmpty(t, requestedPieces(b))
}

func TestHandleRejectRequeuesPiece(t *testing.T) {
	f := New([20]byte{1}, 10)
	p := newFakePeer(1)
	f.PeerStarted(p, 1*peerprotocol.MetadataPieceSize)
	require.Len(t, requestedPieces(p), 1)

	p.sent = nil
	f.HandleReject(p.ID(), peerprotocol.MetadataRejectMessage{Piece: 0})
	require.Equal(t, []int{0}, requestedPieces(p))
}

