// Package btconn dials and accepts BitTorrent peer connections: it
// negotiates the MSE cipher (if any) over an already-opened transport
// stream (TCP or µTP) and then runs the BEP 3 handshake, handing back a
// ready-to-use connection for internal/peerconn.
package btconn

import (
	"bytes"
	"crypto/rc4"
	"errors"
	"io"

	"github.com/nilgrove/bittorrent/internal/mse"
	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

var (
	ErrInvalidInfoHash = errors.New("btconn: invalid info hash")
	ErrOwnConnection   = errors.New("btconn: dropped own connection")
)

// Cipher selects whether a dial/accept attempt wraps the transport in
// MSE, per the preference rotation in spec §4.8.
type Cipher int

const (
	Plain Cipher = iota
	MSE
)

// cryptoConn wraps a raw stream with a pair of keyed RC4 ciphers, one
// per direction, the way rwConn wraps a plain reader/writer pair.
type cryptoConn struct {
	rw    io.ReadWriteCloser
	read  *rc4.Cipher
	write *rc4.Cipher
}

func (c *cryptoConn) Read(p []byte) (int, error) {
	n, err := c.rw.Read(p)
	if n > 0 {
		c.read.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *cryptoConn) Write(p []byte) (int, error) {
	enc := make([]byte, len(p))
	c.write.XORKeyStream(enc, p)
	return c.rw.Write(enc)
}

func (c *cryptoConn) Close() error { return c.rw.Close() }

// Result is a transport ready for a peer agent: the negotiated stream
// (decrypted in place when Cipher is MSE) plus the peer's side of the
// BEP 3 handshake.
type Result struct {
	Conn      io.ReadWriteCloser
	Handshake peerprotocol.Handshake
	Cipher    Cipher
}

// Dial completes an outgoing connection's cipher negotiation and BEP 3
// handshake over an already-opened transport stream.
//
// The BitTorrent handshake is always sent as plaintext stream bytes
// after MSE negotiation completes rather than embedded as MSE's "ia"
// field — one extra round trip traded for a simpler Dial/Accept split.
func Dial(rw io.ReadWriteCloser, cipher Cipher, infoHash, ourID [20]byte, extension, dht bool) (*Result, error) {
	stream, err := negotiateDial(rw, cipher, infoHash)
	if err != nil {
		rw.Close()
		return nil, err
	}

	hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourID, Extension: extension, DHT: dht}
	if _, err := stream.Write(hs.Encode()); err != nil {
		rw.Close()
		return nil, err
	}
	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(stream, buf); err != nil {
		rw.Close()
		return nil, err
	}
	peerHS, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		rw.Close()
		return nil, err
	}
	if peerHS.InfoHash != infoHash {
		rw.Close()
		return nil, ErrInvalidInfoHash
	}
	if peerHS.PeerID == ourID {
		rw.Close()
		return nil, ErrOwnConnection
	}
	return &Result{Conn: stream, Handshake: peerHS, Cipher: cipher}, nil
}

func negotiateDial(rw io.ReadWriteCloser, cipher Cipher, infoHash [20]byte) (io.ReadWriteCloser, error) {
	if cipher != MSE {
		return rw, nil
	}
	res, err := mse.Initiate(rw, infoHash[:], mse.CryptoRC4, nil)
	if err != nil {
		return nil, err
	}
	if res.Cipher != mse.CryptoRC4 {
		return rw, nil
	}
	return &cryptoConn{rw: rw, read: res.ReadStream, write: res.WriteStream}, nil
}

// InfoHashSet answers which info hashes this process is currently
// serving, used by Accept to resolve an incoming connection (by trying
// each candidate's hash2, for MSE) before its handshake is even read.
type InfoHashSet func() [][20]byte

// Accept completes an incoming connection's cipher negotiation and BEP
// 3 handshake over an already-opened transport stream. known supplies
// the set of info hashes we're willing to serve.
func Accept(rw io.ReadWriteCloser, cipher Cipher, known InfoHashSet, ourID [20]byte, extension, dht bool) (*Result, error) {
	stream, err := negotiateAccept(rw, cipher, known)
	if err != nil {
		rw.Close()
		return nil, err
	}

	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(stream, buf); err != nil {
		rw.Close()
		return nil, err
	}
	peerHS, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		rw.Close()
		return nil, err
	}
	if !infoHashKnown(known, peerHS.InfoHash) {
		rw.Close()
		return nil, ErrInvalidInfoHash
	}
	if peerHS.PeerID == ourID {
		rw.Close()
		return nil, ErrOwnConnection
	}
	hs := peerprotocol.Handshake{InfoHash: peerHS.InfoHash, PeerID: ourID, Extension: extension, DHT: dht}
	if _, err := stream.Write(hs.Encode()); err != nil {
		rw.Close()
		return nil, err
	}
	return &Result{Conn: stream, Handshake: peerHS, Cipher: cipher}, nil
}

func negotiateAccept(rw io.ReadWriteCloser, cipher Cipher, known InfoHashSet) (io.ReadWriteCloser, error) {
	if cipher != MSE {
		return rw, nil
	}
	lookup := func(s, hash2 []byte) ([]byte, bool) {
		for _, ih := range known() {
			if bytes.Equal(mse.Hash2(ih[:], s), hash2) {
				return append([]byte(nil), ih[:]...), true
			}
		}
		return nil, false
	}
	res, err := mse.Accept(rw, lookup)
	if err != nil {
		return nil, err
	}
	if res.Cipher != mse.CryptoRC4 {
		return rw, nil
	}
	return &cryptoConn{rw: rw, read: res.ReadStream, write: res.WriteStream}, nil
}

func infoHashKnown(known InfoHashSet, infoHash [20]byte) bool {
	for _, ih := range known() {
		if ih == infoHash {
			return true
		}
	}
	return false
}
