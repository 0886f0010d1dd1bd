// Package nodeid holds the 160-bit identifiers shared by the DHT keyspace
// and the BitTorrent info hash, plus the 20-byte peer id.
package nodeid

import (
	"crypto/rand"
	"encoding/hex"
	"net"

	"github.com/nilgrove/bittorrent/internal/compact"
)

// Len is the byte length of a NodeID, InfoHash, or PeerID.
const Len = 20

// ID is a 160-bit identifier, comparable by bytes. It backs NodeID,
// InfoHash, and PeerID, which are aliases of ID: they document a value's
// role, and the compiler does not tell them apart.
type ID [Len]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) Bytes() []byte { return id[:] }

// Distance is the XOR of two ids, ordered lexicographically (the Kademlia
// distance metric).
type Distance [Len]byte

// Less reports whether d sorts before o, i.e. d represents the smaller
// (closer) distance.
func (d Distance) Less(o Distance) bool {
	for i := range d {
		if d[i] != o[i] {
			return d[i] < o[i]
		}
	}
	return false
}

// XOR computes the Kademlia distance between a and b.
func XOR(a, b ID) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Bit returns the value of bit i of id, counting from the most significant
// bit of id[0] as bit 0. Used by k-bucket splitting.
func Bit(id ID, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// Random returns a cryptographically random id, used for local node ids and
// for picking lookup targets within a bucket's prefix.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// RandomWithPrefix returns a random id that shares the first prefixBits
// bits with base, used by the DHT server's bucket refresh to target a
// random id within a specific bucket's range.
func RandomWithPrefix(base ID, prefixBits int) ID {
	id := Random()
	for i := 0; i < prefixBits; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		mask := byte(1) << bitIdx
		if base[byteIdx]&mask != 0 {
			id[byteIdx] |= mask
		} else {
			id[byteIdx] &^= mask
		}
	}
	return id
}

// NodeID identifies a DHT node.
type NodeID = ID

// InfoHash identifies a torrent; it is the SHA-1 of the bencoded info
// dictionary and shares NodeID's 160-bit keyspace.
type InfoHash = ID

// PeerID identifies a peer for the BEP 3 handshake echo and for display.
type PeerID = ID

// codec is the compact.Codec for a bare 20-byte id.
type codec struct{}

func (codec) Size() int { return Len }

func (codec) Decode(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, &compact.SizeError{Op: "nodeid", Got: len(b), Want: Len}
	}
	copy(id[:], b)
	return id, nil
}

func (codec) Encode(v ID, out []byte) { copy(out, v[:]) }

// Codec is the compact.Codec[ID] for NodeID/InfoHash/PeerID.
var Codec compact.Codec[ID] = codec{}

// NodeContactInfo pairs a NodeID with the socket address it is reachable
// at, the unit the routing table stores.
type NodeContactInfo struct {
	ID   NodeID
	Addr *net.UDPAddr
}

// Endpoint is either a resolved socket address or an unresolved domain
// name plus port, as a peer may be advertised either way (PEX gives
// addresses, some trackers/magnet links give hostnames).
type Endpoint struct {
	Addr   *net.TCPAddr
	Domain string
	Port   int
}

func (e Endpoint) String() string {
	if e.Addr != nil {
		return e.Addr.String()
	}
	return e.Domain
}

// PeerContactInfo is a peer's optional id plus its endpoint.
type PeerContactInfo struct {
	ID       *PeerID
	Endpoint Endpoint
}
