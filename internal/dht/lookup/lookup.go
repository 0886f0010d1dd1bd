// Package lookup implements the iterative alpha-parallel Kademlia lookup
// used for both find_node and get_peers, per spec §4.12.
package lookup

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/nilgrove/bittorrent/internal/nodeid"
)

// Alpha is the default fan-out per wave.
const Alpha = 3

// K is the default size of the closest-set the lookup converges on.
const K = 8

// MaxWaves bounds the iteration count as a safety valve against a
// pathological network that never converges.
const MaxWaves = 24

// QueryResult is what a single find_node/get_peers call to one node
// yields.
type QueryResult struct {
	Nodes []nodeid.NodeContactInfo
	Peers []*net.TCPAddr
	// Token is set only for get_peers responses that carry one.
	Token string
}

// QueryFunc issues one query to addr. It is reused for both find_node
// (Peers/Token always zero) and get_peers (Nodes/Peers/Token as
// applicable), which is what makes the lookup generic over query kind.
type QueryFunc func(ctx context.Context, addr nodeid.NodeContactInfo) (QueryResult, error)

// AnnounceTarget is the closest node that returned a token during a
// get_peers lookup, the node a subsequent announce_peer should target.
type AnnounceTarget struct {
	Node  nodeid.NodeContactInfo
	Token string
}

// Result is what Run converges on.
type Result struct {
	Closest  []nodeid.NodeContactInfo
	Peers    []*net.TCPAddr
	Announce *AnnounceTarget
}

type candidateSet struct {
	target    nodeid.NodeID
	byID      map[nodeid.NodeID]nodeid.NodeContactInfo
	distances map[nodeid.NodeID]nodeid.Distance
}

func newCandidateSet(target nodeid.NodeID) *candidateSet {
	return &candidateSet{
		target:    target,
		byID:      make(map[nodeid.NodeID]nodeid.NodeContactInfo),
		distances: make(map[nodeid.NodeID]nodeid.Distance),
	}
}

func (s *candidateSet) add(c nodeid.NodeContactInfo) {
	if _, ok := s.byID[c.ID]; ok {
		return
	}
	s.byID[c.ID] = c
	s.distances[c.ID] = nodeid.XOR(s.target, c.ID)
}

func (s *candidateSet) remove(id nodeid.NodeID) {
	delete(s.byID, id)
	delete(s.distances, id)
}

func (s *candidateSet) closest(n int, exclude map[nodeid.NodeID]struct{}) []nodeid.NodeContactInfo {
	ids := make([]nodeid.NodeID, 0, len(s.byID))
	for id := range s.byID {
		if exclude != nil {
			if _, skip := exclude[id]; skip {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.distances[ids[i]].Less(s.distances[ids[j]])
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]nodeid.NodeContactInfo, len(ids))
	for i, id := range ids {
		out[i] = s.byID[id]
	}
	return out
}

// Run performs the iterative lookup for target, seeded from seeds (the
// routing table's K closest, or a resolved bootstrap list when the table
// is empty). query issues one RPC; onFail is invoked for every contact
// that errors, so the caller can evict it from its routing table.
func Run(ctx context.Context, target nodeid.NodeID, seeds []nodeid.NodeContactInfo, query QueryFunc, onFail func(nodeid.NodeID), alpha, k int) (*Result, error) {
	if alpha <= 0 {
		alpha = Alpha
	}
	if k <= 0 {
		k = K
	}
	candidates := newCandidateSet(target)
	good := newCandidateSet(target)
	queried := make(map[nodeid.NodeID]struct{})

	for _, s := range seeds {
		candidates.add(s)
	}

	var announce *AnnounceTarget
	var peers []*net.TCPAddr
	seenPeer := make(map[string]struct{})

	prevClosest := ""
	for wave := 0; wave < MaxWaves; wave++ {
		batch := candidates.closest(k, queried)
		if len(batch) == 0 {
			break
		}
		if len(batch) > alpha {
			batch = batch[:alpha]
		}

		results := make([]struct {
			contact nodeid.NodeContactInfo
			res     QueryResult
			err     error
		}, len(batch))

		var wg sync.WaitGroup
		for i, c := range batch {
			queried[c.ID] = struct{}{}
			i, c := i, c
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := query(ctx, c)
				results[i] = struct {
					contact nodeid.NodeContactInfo
					res     QueryResult
					err     error
				}{c, res, err}
			}()
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		for _, r := range results {
			candidates.remove(r.contact.ID)
			if r.err != nil {
				if onFail != nil {
					onFail(r.contact.ID)
				}
				continue
			}
			good.add(r.contact)
			for _, n := range r.res.Nodes {
				candidates.add(n)
			}
			for _, p := range r.res.Peers {
				key := p.String()
				if _, ok := seenPeer[key]; !ok {
					seenPeer[key] = struct{}{}
					peers = append(peers, p)
				}
			}
			if r.res.Token != "" {
				if announce == nil || nodeid.XOR(target, r.contact.ID).Less(nodeid.XOR(target, announce.Node.ID)) {
					announce = &AnnounceTarget{Node: r.contact, Token: r.res.Token}
				}
			}
		}

		closest := good.closest(k, nil)
		key := closestKey(closest)
		if key == prevClosest && wave > 0 {
			break
		}
		prevClosest = key
	}

	return &Result{
		Closest:  good.closest(k, nil),
		Peers:    peers,
		Announce: announce,
	}, nil
}

func closestKey(contacts []nodeid.NodeContactInfo) string {
	b := make([]byte, 0, len(contacts)*nodeid.Len)
	for _, c := range contacts {
		b = append(b, c.ID[:]...)
	}
	return string(b)
}
