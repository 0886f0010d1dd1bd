package kbucket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrove/bittorrent/internal/nodeid"
)

func contactAt(n byte) nodeid.NodeContactInfo {
	var id nodeid.NodeID
	id[0] = n
	return nodeid.NodeContactInfo{
		ID:   id,
		Addr: &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: int(n)},
	}
}

func TestBucketInsertAndFull(t *testing.T) {
	b := newBucket()
	now := time.Now()
	for i := byte(0); i < K; i++ {
		rejected, _ := b.Insert(contactAt(i), now.Add(time.Duration(i)*time.Second))
		require.Nil(t, rejected)
	}
	require.True(t, b.Full())
	require.Equal(t, K, b.Len())

	rejected, _ := b.Insert(contactAt(K), now.Add(100*time.Second))
	require.NotNil(t, rejected)
	require.Equal(t, K, b.Len())
}

func TestBucketInsertRefreshesExisting(t *testing.T) {
	b := newBucket()
	now := time.Now()
	c := contactAt(1)
	b.Insert(c, now)

	c.Addr = &net.UDPAddr{IP: net.ParseIP("9.9.9.9"), Port: 9}
	rejected, changed := b.Insert(c, now.Add(time.Second))
	require.Nil(t, rejected)
	require.True(t, changed)
	require.Equal(t, 1, b.Len())
}

func TestBucketItemsOrderedStalestFirst(t *testing.T) {
	b := newBucket()
	now := time.Now()
	b.Insert(contactAt(1), now.Add(2*time.Second))
	b.Insert(contactAt(2), now)
	b.Insert(contactAt(3), now.Add(time.Second))

	items := b.Items()
	require.Equal(t, byte(2), items[0].Contact.ID[0])
	require.Equal(t, byte(3), items[1].Contact.ID[0])
	require.Equal(t, byte(1), items[2].Contact.ID[0])
}

func TestBucketMustInsertEvictsStalest(t *testing.T) {
	b := newBucket()
	now := time.Now()
	for i := byte(0); i < K; i++ {
		b.Insert(contactAt(i), now.Add(time.Duration(i)*time.Second))
	}
	b.MustInsert(contactAt(K), now.Add(time.Duration(K)*time.Second))
	require.Equal(t, K, b.Len())
	require.Equal(t, -1, b.indexOf(contactAt(0).ID)) // stalest evicted
}

func TestBucketRemove(t *testing.T) {
	b := newBucket()
	now := time.Now()
	b.Insert(contactAt(1), now)
	b.Remove(contactAt(1).ID)
	require.Equal(t, 0, b.Len())
}

func TestBucketRecentlySeen(t *testing.T) {
	b := newBucket()
	var zero time.Time
	require.Equal(t, zero, b.RecentlySeen())

	now := time.Now()
	b.Insert(contactAt(1), now)
	b.Insert(contactAt(2), now.Add(time.Minute))
	require.Equal(t, now.Add(time.Minute), b.RecentlySeen())
}

func TestTableClosestOrdersByDistance(t *testing.T) {
	var local nodeid.NodeID
	tbl := New(local)
	now := time.Now()

	var target nodeid.NodeID
	for i := byte(1); i <= 5; i++ {
		var id nodeid.NodeID
		id[0] = i
		tbl.MustInsert(nodeid.NodeContactInfo{ID: id, Addr: &net.UDPAddr{Port: int(i)}}, now)
	}

	closest := tbl.Closest(target, 3)
	require.Len(t, closest, 3)
	// ascending XOR distance from the zero target means ascending id[0]
	require.Equal(t, byte(1), closest[0].ID[0])
	require.Equal(t, byte(2), closest[1].ID[0])
	require.Equal(t, byte(3), closest[2].ID[0])
}

func TestTableSplitsBucketCoveringLocalID(t *testing.T) {
	var local nodeid.NodeID // all-zero local id: every id with bit0==0 shares its bucket
	tbl := New(local)
	now := time.Now()

	// fill the root bucket with K+1 ids that all have bit 0 == 0 (top bit
	// of byte 0 clear), forcing a split since they cover the local id.
	for i := 0; i <= K; i++ {
		var id nodeid.NodeID
		id[0] = byte(i * 2) // even => top bit of byte clear only if i*2 < 128; fine for small i
		tbl.Insert(nodeid.NodeContactInfo{ID: id, Addr: &net.UDPAddr{Port: i}}, now.Add(time.Duration(i)*time.Second))
	}

	require.Nil(t, tbl.root.bucket, "root should have split into children")
	require.NotNil(t, tbl.root.left)
	require.NotNil(t, tbl.root.right)
}

func TestTableRemove(t *testing.T) {
	var local nodeid.NodeID
	tbl := New(local)
	now := time.Now()
	c := contactAt(1)
	tbl.Insert(c, now)
	tbl.Remove(c.ID)
	require.Empty(t, tbl.Closest(c.ID, 10))
}

func TestTableStaleBucketsEmptyTableIsStale(t *testing.T) {
	var local nodeid.NodeID
	tbl := New(local)
	targets := tbl.StaleBuckets(time.Hour)
	require.Len(t, targets, 1)
}

func TestTableStaleBucketsFreshNotReturned(t *testing.T) {
	var local nodeid.NodeID
	tbl := New(local)
	tbl.MustInsert(contactAt(1), time.Now())
	targets := tbl.StaleBuckets(time.Hour)
	require.Empty(t, targets)
}
