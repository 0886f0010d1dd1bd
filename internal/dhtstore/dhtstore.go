// Package dhtstore persists a DHT's routing table and peer cache to a
// boltdb file, the same way the teacher's session database persists
// per-torrent resume state, so a restarted process can reseed its
// routing table instead of bootstrapping from scratch.
package dhtstore

import (
	"time"

	"github.com/boltdb/bolt"

	"github.com/nilgrove/bittorrent/internal/compact"
	"github.com/nilgrove/bittorrent/internal/nodeid"
)

var (
	nodesBucket = []byte("nodes")
	peersBucket = []byte("peers")
)

// Store wraps a boltdb file holding one DHT's persisted state.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store at path, creating its buckets if
// they don't yet exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(nodesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func encodeContact(c nodeid.NodeContactInfo) []byte {
	addr := compact.EncodeSocketAddr(c.Addr)
	out := make([]byte, nodeid.Len+len(addr))
	copy(out, c.ID[:])
	copy(out[nodeid.Len:], addr)
	return out
}

func decodeContact(b []byte) (nodeid.NodeContactInfo, error) {
	var c nodeid.NodeContactInfo
	if len(b) < nodeid.Len {
		return c, &compact.SizeError{Op: "dhtstore.contact", Got: len(b), Want: nodeid.Len + 6}
	}
	copy(c.ID[:], b[:nodeid.Len])
	addr, err := compact.DecodeSocketAddr(b[nodeid.Len:])
	if err != nil {
		return c, err
	}
	c.Addr = addr
	return c, nil
}

// SaveNodes overwrites the persisted routing-table snapshot with
// contacts.
func (s *Store) SaveNodes(contacts []nodeid.NodeContactInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(nodesBucket)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			if err := b.Put(c.ID[:], encodeContact(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadNodes returns every persisted contact, used to seed the routing
// table before the bootstrap hosts are even contacted.
func (s *Store) LoadNodes() ([]nodeid.NodeContactInfo, error) {
	var out []nodeid.NodeContactInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		return b.ForEach(func(_, v []byte) error {
			c, err := decodeContact(v)
			if err != nil {
				return nil // skip a corrupted record rather than fail the whole load
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// SavePeers persists the peer cache for infoHash: addrs with their
// absolute expiry times, mirroring the DHT server's in-memory peer
// cache (spec §4.11's 30-minute TTL) so a restart doesn't need every
// peer to re-announce immediately.
func (s *Store) SavePeers(infoHash nodeid.InfoHash, addrs [][]byte, expiresAt []time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(peersBucket)
		sub, err := root.CreateBucketIfNotExists(infoHash[:])
		if err != nil {
			return err
		}
		for i, addr := range addrs {
			if err := sub.Put(addr, encodeExpiry(expiresAt[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPeers returns the still-unexpired persisted peers for infoHash.
func (s *Store) LoadPeers(infoHash nodeid.InfoHash, now time.Time) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(peersBucket)
		sub := root.Bucket(infoHash[:])
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, v []byte) error {
			if decodeExpiry(v).After(now) {
				out = append(out, append([]byte(nil), k...))
			}
			return nil
		})
	})
	return out, err
}

func encodeExpiry(t time.Time) []byte {
	b := make([]byte, 8)
	u := uint64(t.Unix())
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeExpiry(b []byte) time.Time {
	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	return time.Unix(int64(u), 0)
}
