// Package kbucket implements the Kademlia routing table: a binary trie of
// k-buckets indexed by node id prefix, per BEP 5.
package kbucket

import (
	"time"

	"github.com/nilgrove/bittorrent/internal/nodeid"
)

// K is the bucket capacity, per BEP 5.
const K = 8

// Item is one entry of a bucket: a node's contact info plus when it was
// last seen responding.
type Item struct {
	Contact  nodeid.NodeContactInfo
	LastSeen time.Time
}

// Bucket holds up to K items ordered by LastSeen ascending (index 0 is
// the stalest, the "head" that gets pinged before eviction).
type Bucket struct {
	items []Item
}

func newBucket() *Bucket { return &Bucket{} }

// Len reports the number of items currently in the bucket.
func (b *Bucket) Len() int { return len(b.items) }

// Items returns the bucket's items, stalest first. The slice is owned by
// the caller.
func (b *Bucket) Items() []Item {
	out := make([]Item, len(b.items))
	copy(out, b.items)
	return out
}

// Full reports whether the bucket is at capacity.
func (b *Bucket) Full() bool { return len(b.items) >= K }

// RecentlySeen returns the newest LastSeen among the bucket's items, the
// basis for the server's 15-minute refresh timer. The zero time is
// returned for an empty bucket.
func (b *Bucket) RecentlySeen() time.Time {
	var newest time.Time
	for _, it := range b.items {
		if it.LastSeen.After(newest) {
			newest = it.LastSeen
		}
	}
	return newest
}

func (b *Bucket) indexOf(id nodeid.NodeID) int {
	for i, it := range b.items {
		if it.Contact.ID == id {
			return i
		}
	}
	return -1
}

// insertSorted inserts it at the position its LastSeen sorts to.
func (b *Bucket) insertSorted(it Item) {
	i := 0
	for i < len(b.items) && !it.LastSeen.Before(b.items[i].LastSeen) {
		i++
	}
	b.items = append(b.items, Item{})
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = it
}

// Insert applies the k-bucket insertion rule (§4.10):
//  1. an existing node is refreshed (LastSeen bumped to the max of old and
//     new, address replaced if it changed) and resorted;
//  2. otherwise, if there's room, the candidate is inserted at its sorted
//     position;
//  3. otherwise the candidate is rejected and returned to the caller so it
//     can decide whether to ping the stale head.
func (b *Bucket) Insert(candidate nodeid.NodeContactInfo, seenAt time.Time) (rejected *nodeid.NodeContactInfo, addressChanged bool) {
	if i := b.indexOf(candidate.ID); i >= 0 {
		old := b.items[i]
		addressChanged = old.Contact.Addr.String() != candidate.Addr.String()
		newest := seenAt
		if old.LastSeen.After(newest) {
			newest = old.LastSeen
		}
		b.items = append(b.items[:i], b.items[i+1:]...)
		b.insertSorted(Item{Contact: candidate, LastSeen: newest})
		return nil, addressChanged
	}
	if !b.Full() {
		b.insertSorted(Item{Contact: candidate, LastSeen: seenAt})
		return nil, false
	}
	return &candidate, false
}

// MustInsert forces candidate into the bucket, evicting the stalest
// entries until there's room. Used by bootstrap, per §4.10.
func (b *Bucket) MustInsert(candidate nodeid.NodeContactInfo, seenAt time.Time) {
	if i := b.indexOf(candidate.ID); i >= 0 {
		b.items = append(b.items[:i], b.items[i+1:]...)
	}
	for b.Full() {
		b.items = b.items[1:]
	}
	b.insertSorted(Item{Contact: candidate, LastSeen: seenAt})
}

// Remove deletes id from the bucket, e.g. after a repeated query failure.
func (b *Bucket) Remove(id nodeid.NodeID) {
	if i := b.indexOf(id); i >= 0 {
		b.items = append(b.items[:i], b.items[i+1:]...)
	}
}

// trieNode is either a leaf (a Bucket) or an internal node with two
// children split on the bit at its depth.
type trieNode struct {
	bucket      *Bucket
	left, right *trieNode // bit 0, bit 1
}

// Table is the binary trie of k-buckets, rooted at depth 0. Splitting is
// only allowed on the bucket that covers the local id, per §4.10 (others
// reject new entries once full).
type Table struct {
	localID nodeid.NodeID
	root    *trieNode
}

// New returns an empty routing table seeded with a single bucket.
func New(localID nodeid.NodeID) *Table {
	return &Table{localID: localID, root: &trieNode{bucket: newBucket()}}
}

// find descends the trie to the leaf bucket covering id, returning that
// leaf and its depth.
func (t *Table) find(id nodeid.NodeID) (*trieNode, int) {
	n := t.root
	depth := 0
	for n.bucket == nil {
		if nodeid.Bit(id, depth) == 0 {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return n, depth
}

// coversLocalID reports whether the bucket reached by following localID for
// depth bits is the same leaf holding id, i.e. whether splitting that
// leaf is permitted.
func (t *Table) coversLocalID(id nodeid.NodeID, depth int) bool {
	for i := 0; i < depth; i++ {
		if nodeid.Bit(id, i) != nodeid.Bit(t.localID, i) {
			return false
		}
	}
	return true
}

// Insert applies the k-bucket insertion rule at the leaf covering
// candidate.ID, splitting that leaf first if it is full, at capacity, and
// covers the local id. Returns the candidate if it was rejected: its
// bucket is full and outside the local id's range, or its bucket was
// split (neither child inherits the candidate that triggered a split).
func (t *Table) Insert(candidate nodeid.NodeContactInfo, seenAt time.Time) *nodeid.NodeContactInfo {
	leaf, depth := t.find(candidate.ID)
	if leaf.bucket.Full() && leaf.bucket.indexOf(candidate.ID) < 0 && t.coversLocalID(candidate.ID, depth) {
		t.split(leaf, depth)
		return &candidate
	}
	rejected, _ := leaf.bucket.Insert(candidate, seenAt)
	return rejected
}

// split divides a full leaf's items into two children by the bit at
// depth, per §8 property 5: the union of the two children's ids equals
// the original bucket's, and no item is duplicated into both. The
// candidate that triggered the split is not pre-inserted into either
// child; Insert returns it to its caller instead.
func (t *Table) split(leaf *trieNode, depth int) {
	left := newBucket()
	right := newBucket()
	for _, it := range leaf.bucket.items {
		if nodeid.Bit(it.Contact.ID, depth) == 0 {
			left.items = append(left.items, it)
		} else {
			right.items = append(right.items, it)
		}
	}
	leaf.bucket = nil
	leaf.left = &trieNode{bucket: left}
	leaf.right = &trieNode{bucket: right}
}

// MustInsert force-inserts candidate into its covering bucket, evicting
// stale entries as needed, used by bootstrap.
func (t *Table) MustInsert(candidate nodeid.NodeContactInfo, seenAt time.Time) {
	leaf, depth := t.find(candidate.ID)
	if leaf.bucket.Full() && leaf.bucket.indexOf(candidate.ID) < 0 && t.coversLocalID(candidate.ID, depth) {
		t.split(leaf, depth)
		leaf, _ = t.find(candidate.ID)
	}
	leaf.bucket.MustInsert(candidate, seenAt)
}

// Remove deletes id from whichever bucket holds it.
func (t *Table) Remove(id nodeid.NodeID) {
	leaf, _ := t.find(id)
	leaf.bucket.Remove(id)
}

// Closest returns up to n contacts closest to target by XOR distance,
// across all buckets.
func (t *Table) Closest(target nodeid.NodeID, n int) []nodeid.NodeContactInfo {
	var all []nodeid.NodeContactInfo
	t.walk(func(b *Bucket) {
		for _, it := range b.items {
			all = append(all, it.Contact)
		}
	})
	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(contacts []nodeid.NodeContactInfo, target nodeid.NodeID) {
	distances := make([]nodeid.Distance, len(contacts))
	for i, c := range contacts {
		distances[i] = nodeid.XOR(target, c.ID)
	}
	// insertion sort: routing tables are small (K per bucket, few buckets)
	for i := 1; i < len(contacts); i++ {
		j := i
		for j > 0 && distances[j].Less(distances[j-1]) {
			distances[j], distances[j-1] = distances[j-1], distances[j]
			contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			j--
		}
	}
}

// walk visits every leaf bucket in the trie.
func (t *Table) walk(f func(*Bucket)) {
	var rec func(*trieNode)
	rec = func(n *trieNode) {
		if n.bucket != nil {
			f(n.bucket)
			return
		}
		rec(n.left)
		rec(n.right)
	}
	rec(t.root)
}

// StaleBuckets returns, for every leaf bucket whose RecentlySeen is older
// than maxAge (or that is empty), a random id within that bucket's
// prefix — the target the server issues a refreshing find_node against.
func (t *Table) StaleBuckets(maxAge time.Duration) []nodeid.NodeID {
	var targets []nodeid.NodeID
	now := time.Now()
	var rec func(n *trieNode, prefix nodeid.NodeID, depth int)
	rec = func(n *trieNode, prefix nodeid.NodeID, depth int) {
		if n.bucket != nil {
			recently := n.bucket.RecentlySeen()
			if recently.IsZero() || now.Sub(recently) > maxAge {
				targets = append(targets, nodeid.RandomWithPrefix(prefix, depth))
			}
			return
		}
		rec(n.left, setBit(prefix, depth, 0), depth+1)
		rec(n.right, setBit(prefix, depth, 1), depth+1)
	}
	rec(t.root, t.localID, 0)
	return targets
}

// setBit returns a copy of id with bit i set to the given 0/1 value.
func setBit(id nodeid.NodeID, i, value int) nodeid.NodeID {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	mask := byte(1) << bitIdx
	if value != 0 {
		id[byteIdx] |= mask
	} else {
		id[byteIdx] &^= mask
	}
	return id
}
