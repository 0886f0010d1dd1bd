package lookup

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilgrove/bittorrent/internal/nodeid"
)

func contactAt(n byte) nodeid.NodeContactInfo {
	var id nodeid.NodeID
	id[0] = n
	return nodeid.NodeContactInfo{ID: id, Addr: &net.UDPAddr{Port: int(n)}}
}

func TestRunConvergesAndCollectsPeersAndAnnounce(t *testing.T) {
	seeds := []nodeid.NodeContactInfo{contactAt(1), contactAt(2), contactAt(3), contactAt(4), contactAt(5)}
	peerAddr := &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 6881}

	var mu sync.Mutex
	var failed []nodeid.NodeID

	query := func(ctx context.Context, c nodeid.NodeContactInfo) (QueryResult, error) {
		if c.ID[0] == 5 {
			return QueryResult{}, context.DeadlineExceeded
		}
		if c.ID[0] == 1 {
			return QueryResult{Peers: []*net.TCPAddr{peerAddr}, Token: "tok"}, nil
		}
		return QueryResult{}, nil
	}
	onFail := func(id nodeid.NodeID) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, id)
	}

	var target nodeid.NodeID // zero target: XOR distance is just the id itself
	res, err := Run(context.Background(), target, seeds, query, onFail, Alpha, K)
	require.NoError(t, err)

	require.Len(t, res.Closest, 4) // every seed but the failing one
	require.Len(t, res.Peers, 1)
	require.Equal(t, peerAddr, res.Peers[0])

	require.NotNil(t, res.Announce)
	require.Equal(t, "tok", res.Announce.Token)
	require.Equal(t, byte(1), res.Announce.Node.ID[0])

	require.Len(t, failed, 1)
	require.Equal(t, byte(5), failed[0][0])
}

func TestRunDedupesPeerAddresses(t *testing.T) {
	seeds := []nodeid.NodeContactInfo{contactAt(1), contactAt(2)}
	peerAddr := &net.TCPAddr{IP: net.ParseIP("5.5.5.5"), Port: 1}

	query := func(ctx context.Context, c nodeid.NodeContactInfo) (QueryResult, error) {
		return QueryResult{Peers: []*net.TCPAddr{peerAddr}}, nil
	}

	var target nodeid.NodeID
	res, err := Run(context.Background(), target, seeds, query, nil, Alpha, K)
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
}

func TestRunEmptySeedsReturnsEmptyResult(t *testing.T) {
	var target nodeid.NodeID
	called := false
	query := func(ctx context.Context, c nodeid.NodeContactInfo) (QueryResult, error) {
		called = true
		return QueryResult{}, nil
	}
	res, err := Run(context.Background(), target, nil, query, nil, Alpha, K)
	require.NoError(t, err)
	require.False(t, called)
	require.Empty(t, res.Closest)
}

func TestRunContextCancellationStopsEarly(t *testing.T) {
	seeds := []nodeid.NodeContactInfo{contactAt(1), contactAt(2), contactAt(3)}
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	query := func(ctx context.Context, c nodeid.NodeContactInfo) (QueryResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return QueryResult{}, ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		Run(ctx, nodeid.NodeID{}, seeds, query, nil, Alpha, K)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
