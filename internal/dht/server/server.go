// Package server implements the DHT node: it owns the routing table and
// dispatches incoming KRPC queries (ping, find_node, get_peers,
// announce_peer), per spec §4.11.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nilgrove/bittorrent/internal/compact"
	"github.com/nilgrove/bittorrent/internal/dht/kbucket"
	"github.com/nilgrove/bittorrent/internal/dht/lookup"
	"github.com/nilgrove/bittorrent/internal/krpc"
	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/nodeid"
)

// Config carries every tunable spec §9 wants as an explicit constructor
// parameter rather than a global.
type Config struct {
	LocalID         nodeid.NodeID
	QueryTimeout    time.Duration
	RefreshInterval time.Duration // how often to scan for stale buckets
	BucketMaxAge    time.Duration // a bucket older than this gets refreshed
	TokenEpoch      time.Duration
	PeerTTL         time.Duration
	Alpha           int
	K               int
}

// DefaultConfig mirrors BEP 5's recommended values.
func DefaultConfig(id nodeid.NodeID) Config {
	return Config{
		LocalID:         id,
		QueryTimeout:    10 * time.Second,
		RefreshInterval: time.Minute,
		BucketMaxAge:    15 * time.Minute,
		TokenEpoch:      5 * time.Minute,
		PeerTTL:         30 * time.Minute,
		Alpha:           lookup.Alpha,
		K:               kbucket.K,
	}
}

type peerEntry struct {
	addr    *net.TCPAddr
	expires time.Time
}

type peerCache struct {
	mu      sync.Mutex
	entries map[nodeid.InfoHash]map[string]peerEntry
}

func newPeerCache() *peerCache {
	return &peerCache{entries: make(map[nodeid.InfoHash]map[string]peerEntry)}
}

func (c *peerCache) put(ih nodeid.InfoHash, addr *net.TCPAddr, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[ih]
	if !ok {
		m = make(map[string]peerEntry)
		c.entries[ih] = m
	}
	m[addr.String()] = peerEntry{addr: addr, expires: time.Now().Add(ttl)}
}

func (c *peerCache) get(ih nodeid.InfoHash) []*net.TCPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[ih]
	if !ok {
		return nil
	}
	now := time.Now()
	var out []*net.TCPAddr
	for _, e := range m {
		if now.Before(e.expires) {
			out = append(out, e.addr)
		}
	}
	return out
}

func (c *peerCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for ih, m := range c.entries {
		for k, e := range m {
			if !now.Before(e.expires) {
				delete(m, k)
			}
		}
		if len(m) == 0 {
			delete(c.entries, ih)
		}
	}
}

// Server is one DHT node over one UDP socket (one address family).
type Server struct {
	cfg    Config
	log    logger.Logger
	table  *kbucket.Table
	client *krpc.Client
	peers  *peerCache

	mu           sync.Mutex
	tokenSecret  []byte
	prevSecret   []byte
	tokenEpochAt time.Time
}

// New constructs a Server. send performs the actual datagram write; it is
// typically the shared-socket demultiplexer's UDP writer.
func New(cfg Config, send func(b []byte, addr *net.UDPAddr) error, l logger.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		log:          l,
		table:        kbucket.New(cfg.LocalID),
		peers:        newPeerCache(),
		tokenSecret:  randomSecret(),
		tokenEpochAt: time.Now(),
	}
	s.client = krpc.NewClient(send, cfg.QueryTimeout, l)
	return s
}

func randomSecret() []byte {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return b
}

// HandleDatagram forwards a datagram recognized as KRPC (by the shared
// socket's demultiplexer) to the transaction table / query dispatcher.
func (s *Server) HandleDatagram(addr *net.UDPAddr, b []byte) {
	s.client.HandleDatagram(addr, b)
}

// Table exposes the routing table for lookup seeding.
func (s *Server) Table() *kbucket.Table { return s.table }

// Serve dispatches incoming queries and runs the periodic maintenance
// tasks (bucket refresh, peer-cache eviction, token rotation) until ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context) {
	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()
	evict := time.NewTicker(time.Minute)
	defer evict.Stop()
	epoch := time.NewTicker(s.cfg.TokenEpoch)
	defer epoch.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.client.Queries():
			s.handleQuery(q)
		case <-refresh.C:
			s.refreshStaleBuckets(ctx)
		case <-evict.C:
			s.peers.evictExpired()
		case <-epoch.C:
			s.rotateTokenEpoch()
		}
	}
}

func (s *Server) rotateTokenEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevSecret = s.tokenSecret
	s.tokenSecret = randomSecret()
	s.tokenEpochAt = time.Now()
}

// token computes HMAC-SHA1(secret, addr || info_hash), truncated to 8
// bytes for a compact compact wire token.
func token(secret []byte, addr *net.UDPAddr, ih nodeid.InfoHash) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(addr.IP.String()))
	mac.Write(ih[:])
	sum := mac.Sum(nil)
	return string(sum[:8])
}

func (s *Server) issueToken(addr *net.UDPAddr, ih nodeid.InfoHash) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token(s.tokenSecret, addr, ih)
}

// validateToken accepts a token minted under the current or previous
// epoch's secret, giving a one-epoch grace period.
func (s *Server) validateToken(addr *net.UDPAddr, ih nodeid.InfoHash, tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok == token(s.tokenSecret, addr, ih) {
		return true
	}
	if s.prevSecret != nil && tok == token(s.prevSecret, addr, ih) {
		return true
	}
	return false
}

func (s *Server) refreshStaleBuckets(ctx context.Context) {
	targets := s.table.StaleBuckets(s.cfg.BucketMaxAge)
	for _, target := range targets {
		seeds := s.table.Closest(target, s.cfg.K)
		if len(seeds) == 0 {
			continue
		}
		go func(target nodeid.NodeID, seeds []nodeid.NodeContactInfo) {
			_, _ = lookup.Run(withTarget(ctx, target), target, seeds, s.findNodeQuery, s.onQueryFail, s.cfg.Alpha, s.cfg.K)
		}(target, seeds)
	}
}

func (s *Server) onQueryFail(id nodeid.NodeID) {
	s.table.Remove(id)
}

// nodeContactCodec is the compact 26-byte (20-byte id + 6-byte v4
// socket address) tuple BEP 5 uses for the "nodes" response field.
type nodeContactCodec struct{}

func (nodeContactCodec) Size() int { return 26 }

func (nodeContactCodec) Decode(b []byte) (nodeid.NodeContactInfo, error) {
	if len(b) != 26 {
		return nodeid.NodeContactInfo{}, &compact.SizeError{Op: "nodecontact", Got: len(b), Want: 26}
	}
	id, err := nodeid.Codec.Decode(b[:20])
	if err != nil {
		return nodeid.NodeContactInfo{}, err
	}
	addr, err := compact.SocketAddrV4.Decode(b[20:])
	if err != nil {
		return nodeid.NodeContactInfo{}, err
	}
	return nodeid.NodeContactInfo{ID: id, Addr: addr}, nil
}

func (nodeContactCodec) Encode(v nodeid.NodeContactInfo, out []byte) {
	nodeid.Codec.Encode(v.ID, out[:20])
	compact.SocketAddrV4.Encode(&net.UDPAddr{IP: v.Addr.IP, Port: v.Addr.Port}, out[20:])
}

var nodeContact compact.Codec[nodeid.NodeContactInfo] = nodeContactCodec{}

func encodeNodes(contacts []nodeid.NodeContactInfo) string {
	return string(compact.EncodeMany(nodeContact, contacts))
}

func decodeNodes(s string) []nodeid.NodeContactInfo {
	nodes, err := compact.DecodeMany(nodeContact, []byte(s))
	if err != nil {
		return nil
	}
	return nodes
}

func decodeCompactPeers(values []interface{}) []*net.TCPAddr {
	var out []*net.TCPAddr
	for _, v := range values {
		s, ok := v.(string)
		if !ok || len(s) != 6 {
			continue
		}
		addr, err := compact.SocketAddrV4.Decode([]byte(s))
		if err != nil {
			continue
		}
		out = append(out, &net.TCPAddr{IP: addr.IP, Port: addr.Port})
	}
	return out
}

func encodeCompactPeers(addrs []*net.TCPAddr) []interface{} {
	out := make([]interface{}, len(addrs))
	for i, a := range addrs {
		out[i] = string(compact.EncodeSocketAddr(&net.UDPAddr{IP: a.IP, Port: a.Port}))
	}
	return out
}

// handleQuery dispatches one incoming KRPC query to the method handler
// named in spec §4.11.
func (s *Server) handleQuery(q krpc.IncomingQuery) {
	switch q.Method {
	case "ping":
		s.onPing(q)
	case "find_node":
		s.onFindNode(q)
	case "get_peers":
		s.onGetPeers(q)
	case "announce_peer":
		s.onAnnouncePeer(q)
	default:
		_ = s.client.RespondError(q.Addr, q.TxID, krpc.ErrCodeMethodUnknown, "method unknown: "+q.Method)
	}
	s.noteSender(q)
}

// noteSender refreshes (or inserts, if there's room) the querying node in
// the routing table, since any query is evidence of liveness.
func (s *Server) noteSender(q krpc.IncomingQuery) {
	idStr, _ := q.Args["id"].(string)
	if len(idStr) != nodeid.Len {
		return
	}
	var id nodeid.NodeID
	copy(id[:], idStr)
	s.table.Insert(nodeid.NodeContactInfo{ID: id, Addr: q.Addr}, time.Now())
}

func (s *Server) onPing(q krpc.IncomingQuery) {
	_ = s.client.Respond(q.Addr, q.TxID, map[string]interface{}{"id": string(s.cfg.LocalID[:])})
}

func (s *Server) onFindNode(q krpc.IncomingQuery) {
	targetStr, _ := q.Args["target"].(string)
	if len(targetStr) != nodeid.Len {
		_ = s.client.RespondError(q.Addr, q.TxID, krpc.ErrCodeProtocol, "bad target")
		return
	}
	var target nodeid.NodeID
	copy(target[:], targetStr)
	closest := s.table.Closest(target, s.cfg.K)
	_ = s.client.Respond(q.Addr, q.TxID, map[string]interface{}{
		"id":    string(s.cfg.LocalID[:]),
		"nodes": encodeNodes(closest),
	})
}

func (s *Server) onGetPeers(q krpc.IncomingQuery) {
	ihStr, _ := q.Args["info_hash"].(string)
	if len(ihStr) != nodeid.Len {
		_ = s.client.RespondError(q.Addr, q.TxID, krpc.ErrCodeProtocol, "bad info_hash")
		return
	}
	var ih nodeid.InfoHash
	copy(ih[:], ihStr)
	tok := s.issueToken(q.Addr, ih)
	r := map[string]interface{}{
		"id":    string(s.cfg.LocalID[:]),
		"token": tok,
	}
	if peers := s.peers.get(ih); len(peers) > 0 {
		r["values"] = encodeCompactPeers(peers)
	} else {
		r["nodes"] = encodeNodes(s.table.Closest(ih, s.cfg.K))
	}
	_ = s.client.Respond(q.Addr, q.TxID, r)
}

func (s *Server) onAnnouncePeer(q krpc.IncomingQuery) {
	ihStr, _ := q.Args["info_hash"].(string)
	tok, _ := q.Args["token"].(string)
	if len(ihStr) != nodeid.Len {
		_ = s.client.RespondError(q.Addr, q.TxID, krpc.ErrCodeProtocol, "bad info_hash")
		return
	}
	var ih nodeid.InfoHash
	copy(ih[:], ihStr)
	if !s.validateToken(q.Addr, ih, tok) {
		_ = s.client.RespondError(q.Addr, q.TxID, krpc.ErrCodeProtocol, "bad token")
		return
	}
	port := q.Addr.Port
	if impliedPort, _ := toInt(q.Args["implied_port"]); impliedPort == 0 {
		if p, ok := toInt(q.Args["port"]); ok {
			port = int(p)
		}
	}
	s.peers.put(ih, &net.TCPAddr{IP: q.Addr.IP, Port: port}, s.cfg.PeerTTL)
	_ = s.client.Respond(q.Addr, q.TxID, map[string]interface{}{"id": string(s.cfg.LocalID[:])})
}

func toInt(v interface{}) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

// --- outgoing queries, used as the lookup package's QueryFunc ---

func (s *Server) findNodeQuery(ctx context.Context, c nodeid.NodeContactInfo) (lookup.QueryResult, error) {
	r, err := s.client.Call(c.Addr, "find_node", map[string]interface{}{
		"id":     string(s.cfg.LocalID[:]),
		"target": findTargetFromContext(ctx),
	})
	if err != nil {
		return lookup.QueryResult{}, err
	}
	nodesStr, _ := r["nodes"].(string)
	return lookup.QueryResult{Nodes: decodeNodes(nodesStr)}, nil
}

type ctxKey int

const targetCtxKey ctxKey = 0

func withTarget(ctx context.Context, target nodeid.NodeID) context.Context {
	return context.WithValue(ctx, targetCtxKey, string(target[:]))
}

func findTargetFromContext(ctx context.Context) string {
	v, _ := ctx.Value(targetCtxKey).(string)
	return v
}

// FindNode runs an iterative find_node lookup for target.
func (s *Server) FindNode(ctx context.Context, target nodeid.NodeID, bootstrap []nodeid.NodeContactInfo) (*lookup.Result, error) {
	ctx = withTarget(ctx, target)
	seeds := s.table.Closest(target, s.cfg.K)
	if len(seeds) == 0 {
		seeds = bootstrap
	}
	return lookup.Run(ctx, target, seeds, s.findNodeQuery, s.onQueryFail, s.cfg.Alpha, s.cfg.K)
}

func (s *Server) getPeersQuery(ctx context.Context, c nodeid.NodeContactInfo) (lookup.QueryResult, error) {
	ih := findTargetFromContext(ctx)
	r, err := s.client.Call(c.Addr, "get_peers", map[string]interface{}{
		"id":        string(s.cfg.LocalID[:]),
		"info_hash": ih,
	})
	if err != nil {
		return lookup.QueryResult{}, err
	}
	res := lookup.QueryResult{}
	if nodesStr, ok := r["nodes"].(string); ok {
		res.Nodes = decodeNodes(nodesStr)
	}
	if values, ok := r["values"].([]interface{}); ok {
		res.Peers = decodeCompactPeers(values)
	}
	if tok, ok := r["token"].(string); ok {
		res.Token = tok
	}
	return res, nil
}

// GetPeers runs an iterative get_peers lookup for infoHash.
func (s *Server) GetPeers(ctx context.Context, infoHash nodeid.InfoHash, bootstrap []nodeid.NodeContactInfo) (*lookup.Result, error) {
	ctx = withTarget(ctx, infoHash)
	seeds := s.table.Closest(infoHash, s.cfg.K)
	if len(seeds) == 0 {
		seeds = bootstrap
	}
	return lookup.Run(ctx, infoHash, seeds, s.getPeersQuery, s.onQueryFail, s.cfg.Alpha, s.cfg.K)
}

// AnnouncePeer sends announce_peer to the closest node a prior get_peers
// returned a token for.
func (s *Server) AnnouncePeer(infoHash nodeid.InfoHash, target *lookup.AnnounceTarget, port int) error {
	if target == nil {
		return fmt.Errorf("dht: no announce target from get_peers lookup")
	}
	_, err := s.client.Call(target.Node.Addr, "announce_peer", map[string]interface{}{
		"id":           string(s.cfg.LocalID[:]),
		"info_hash":    string(infoHash[:]),
		"port":         int64(port),
		"token":        target.Token,
		"implied_port": int64(0),
	})
	return err
}
