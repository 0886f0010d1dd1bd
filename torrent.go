package torrent

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nilgrove/bittorrent/internal/btconn"
	"github.com/nilgrove/bittorrent/internal/dht/server"
	"github.com/nilgrove/bittorrent/internal/dhtstore"
	"github.com/nilgrove/bittorrent/internal/infodownloader"
	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/manager"
	"github.com/nilgrove/bittorrent/internal/metainfo"
	"github.com/nilgrove/bittorrent/internal/nodeid"
	"github.com/nilgrove/bittorrent/internal/peerconn"
	"github.com/nilgrove/bittorrent/internal/peerprotocol"
)

// Torrent is one running download/seed: it owns the peer connection
// manager, this process's DHT node(s), and (when started from a magnet
// link) the trackerless metadata fetch, per spec §4.14.
type Torrent struct {
	cfg      *Config
	ourID    [20]byte
	infoHash [20]byte
	log      logger.Logger

	manager *manager.Manager

	dhtStore *dhtstore.Store
	dht4     *server.Server
	dht6     *server.Server
	sock4    *net.UDPConn
	sock6    *net.UDPConn
	peerLn   net.Listener

	mu   sync.Mutex
	info *metainfo.Info
	meta *infodownloader.Fetcher

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// tcpOnlyDialer dials TCP only; a µTP transport shares the DHT's UDP
// socket and is wired in once that demultiplexer exists (see
// SPEC_FULL.md's open question on shared-socket µTP). Until then,
// btconn's preference rotation simply never succeeds on the µTP pairs
// and falls through to TCP.
type tcpOnlyDialer struct {
	timeout time.Duration
}

var errNoTransport = errors.New("torrent: transport not available")

func (d tcpOnlyDialer) Dial(ep manager.Endpoint, t manager.Transport) (io.ReadWriteCloser, error) {
	if t != manager.TCP {
		return nil, errNoTransport
	}
	return net.DialTimeout("tcp", ep.Addr, d.timeout)
}

// New constructs a Torrent for a known info hash (full download: mi is
// the parsed .torrent). Call Run to start its background tasks.
func New(cfg *Config, mi *metainfo.MetaInfo, l logger.Logger) (*Torrent, error) {
	ourID, err := randomPeerID()
	if err != nil {
		return nil, err
	}
	t := &Torrent{
		cfg:      cfg,
		ourID:    ourID,
		infoHash: mi.Info.Hash,
		log:      l,
		info:     mi.Info,
		done:     make(chan struct{}),
	}
	t.manager = manager.New(t.infoHash, t.ourID, l, cfg.Manager.BusCapacity)
	return t, nil
}

// NewFromMagnet constructs a Torrent from a magnet link's info hash
// alone; Run arranges for the metadata dictionary to be fetched from
// peers (spec §4.13) before the info is available.
func NewFromMagnet(cfg *Config, infoHash [20]byte, l logger.Logger) (*Torrent, error) {
	ourID, err := randomPeerID()
	if err != nil {
		return nil, err
	}
	t := &Torrent{
		cfg:      cfg,
		ourID:    ourID,
		infoHash: infoHash,
		log:      l,
		meta:     infodownloader.New(infoHash, cfg.MetadataQueueLength),
		done:     make(chan struct{}),
	}
	t.manager = manager.New(t.infoHash, t.ourID, l, cfg.Manager.BusCapacity)
	return t, nil
}

func randomPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-RN0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}

// Info returns the parsed info dictionary, or nil if it hasn't arrived
// yet (magnet-started torrents before the metadata fetch completes).
func (t *Torrent) Info() *metainfo.Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Manager exposes the peer connection manager for callers that want to
// subscribe to its Start/Stop bus directly.
func (t *Torrent) Manager() *manager.Manager { return t.manager }

// Run starts the DHT (if enabled), the periodic peer-recruitment loop,
// and the metadata fetch (if this torrent was started from a magnet
// link), returning once everything is torn down by Close or ctx.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer close(t.done)

	group, ctx := errgroup.WithContext(ctx)
	t.group = group

	if t.cfg.DHT.Enabled {
		if err := t.startDHT(ctx, group); err != nil {
			cancel()
			return err
		}
	}

	if err := t.startPeerListener(ctx, group); err != nil {
		cancel()
		return err
	}

	group.Go(func() error {
		t.recruitLoop(ctx)
		return nil
	})

	if t.meta != nil {
		group.Go(func() error {
			t.metadataLoop(ctx)
			return nil
		})
	}

	err := group.Wait()
	t.teardown()
	return err
}

// Close cancels every background task and waits for Run to return.
func (t *Torrent) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *Torrent) teardown() {
	if t.sock4 != nil {
		t.sock4.Close()
	}
	if t.sock6 != nil {
		t.sock6.Close()
	}
	if t.peerLn != nil {
		t.peerLn.Close()
	}
	if t.dhtStore != nil {
		t.dhtStore.Close()
	}
}

// startPeerListener opens the inbound TCP side of spec §4.8's symmetric
// accept: every connection is peeked for a plaintext BEP 3 handshake
// (whose first byte is always 19, len(pstr)) to tell it apart from an
// MSE negotiation before handing it to the manager.
func (t *Torrent) startPeerListener(ctx context.Context, group *errgroup.Group) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(t.cfg.Port))))
	if err != nil {
		return err
	}
	t.peerLn = ln

	group.Go(func() error {
		t.acceptPeers(ctx, ln)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	return nil
}

func (t *Torrent) acceptPeers(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.log.Debugln("peer listener: accept", err)
			return
		}
		go t.acceptPeer(conn)
	}
}

func (t *Torrent) acceptPeer(conn net.Conn) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}
	plaintext := first[0] == byte(peerprotocol.PstrLen)
	if plaintext && t.cfg.Encryption.ForceIncoming {
		conn.Close()
		return
	}
	cipher := btconn.MSE
	if plaintext {
		cipher = btconn.Plain
	}

	ep := manager.Endpoint{Addr: conn.RemoteAddr().String()}
	known := func() [][20]byte { return [][20]byte{t.infoHash} }
	t.manager.Accept(ep, &peekedConn{Reader: br, Conn: conn}, cipher, known)
}

// peekedConn layers a bufio.Reader (already primed by a 1-byte Peek)
// back over the net.Conn it was reading from, so btconn.Accept sees
// the same bytes it would have over the raw connection.
type peekedConn struct {
	Reader *bufio.Reader
	net.Conn
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.Reader.Read(p) }

func (t *Torrent) startDHT(ctx context.Context, group *errgroup.Group) error {
	store, err := dhtstore.Open(t.cfg.Database)
	if err != nil {
		return err
	}
	t.dhtStore = store

	sock4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(t.cfg.DHT.Port)})
	if err != nil {
		return err
	}
	t.sock4 = sock4

	dhtID := nodeid.ID(t.ourID)
	dcfg := server.DefaultConfig(dhtID)
	dcfg.Alpha = t.cfg.DHT.Alpha
	dcfg.K = t.cfg.DHT.K
	dcfg.QueryTimeout = t.cfg.DHT.QueryTimeout
	dcfg.RefreshInterval = t.cfg.DHT.RefreshInterval
	dcfg.BucketMaxAge = t.cfg.DHT.BucketMaxAge
	dcfg.TokenEpoch = t.cfg.DHT.TokenEpoch
	dcfg.PeerTTL = t.cfg.DHT.PeerTTL

	t.dht4 = server.New(dcfg, func(b []byte, addr *net.UDPAddr) error {
		_, err := sock4.WriteToUDP(b, addr)
		return err
	}, t.log)

	if seeds, err := store.LoadNodes(); err == nil {
		now := time.Now()
		for _, c := range seeds {
			t.dht4.Table().MustInsert(c, now)
		}
	}

	group.Go(func() error {
		t.readDatagrams(ctx, sock4, t.dht4)
		return nil
	})
	group.Go(func() error {
		t.dht4.Serve(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		t.persistNodes()
		return nil
	})

	if t.cfg.DHT.EnabledV6 {
		sock6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(t.cfg.DHT.Port)})
		if err == nil {
			t.sock6 = sock6
			t.dht6 = server.New(dcfg, func(b []byte, addr *net.UDPAddr) error {
				_, err := sock6.WriteToUDP(b, addr)
				return err
			}, t.log)
			group.Go(func() error {
				t.readDatagrams(ctx, sock6, t.dht6)
				return nil
			})
			group.Go(func() error {
				t.dht6.Serve(ctx)
				return nil
			})
		} else {
			t.log.Warningln("dht: ipv6 socket unavailable", err)
		}
	}

	return nil
}

func (t *Torrent) readDatagrams(ctx context.Context, sock *net.UDPConn, s *server.Server) {
	buf := make([]byte, 4096)
	for {
		sock.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := sock.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.HandleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (t *Torrent) persistNodes() {
	if t.dht4 == nil || t.dhtStore == nil {
		return
	}
	contacts := t.dht4.Table().Closest(nodeid.ID(t.ourID), t.cfg.DHT.K*8)
	if err := t.dhtStore.SaveNodes(contacts); err != nil {
		t.log.Warningln("dht: persist nodes", err)
	}
}

func (t *Torrent) bootstrapHosts() []nodeid.NodeContactInfo {
	var out []nodeid.NodeContactInfo
	for _, host := range t.cfg.DHT.BootstrapHosts {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			continue
		}
		out = append(out, nodeid.NodeContactInfo{ID: nodeid.Random(), Addr: addr})
	}
	return out
}

// recruitLoop periodically asks the DHT for peers of this torrent's
// info hash and hands each one to the manager's connector.
func (t *Torrent) recruitLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.DHT.LookupPeersPeriod)
	defer ticker.Stop()

	t.lookupPeers(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.lookupPeers(ctx)
		}
	}
}

func (t *Torrent) lookupPeers(ctx context.Context) {
	if t.dht4 == nil {
		return
	}
	res, err := t.dht4.GetPeers(ctx, t.infoHash, t.bootstrapHosts())
	if err != nil {
		t.log.Debugln("dht: get_peers", err)
		return
	}
	dialer := tcpOnlyDialer{timeout: t.cfg.Manager.ConnectTimeout}
	for _, addr := range res.Peers {
		ep := manager.Endpoint{Addr: addr.String()}
		go t.manager.Connect(ep, dialer, nil) // get_peers addresses carry no peer id to expect
	}
}

// metadataLoop subscribes to the manager's Start/Stop bus and, for each
// peer that advertises ut_metadata, pumps its extension messages into
// the Fetcher until the info dictionary is verified.
func (t *Torrent) metadataLoop(ctx context.Context) {
	id, events := t.manager.Subscribe()
	defer t.manager.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case manager.Start:
				go t.pumpPeerMetadata(ctx, ev.Peer)
			case manager.Lagged:
				for _, p := range t.manager.Snapshot() {
					go t.pumpPeerMetadata(ctx, p)
				}
			}
		}
		if t.checkMetadataDone() {
			return
		}
	}
}

func (t *Torrent) checkMetadataDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta != nil && t.meta.Done()
}

// pumpPeerMetadata reads one peer's extension handshake and any
// subsequent ut_metadata frames, feeding them to the Fetcher until the
// peer disconnects.
func (t *Torrent) pumpPeerMetadata(ctx context.Context, p *peerconn.Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			t.meta.PeerStopped(p.ID())
			return
		case msg, ok := <-p.Messages():
			if !ok {
				t.meta.PeerStopped(p.ID())
				return
			}
			t.handlePeerMetadataMessage(p, msg)
		}
	}
}

func (t *Torrent) handlePeerMetadataMessage(p *peerconn.Peer, msg interface{}) {
	em, ok := msg.(peerprotocol.ExtensionMessage)
	if !ok {
		return
	}
	switch payload := em.Payload.(type) {
	case peerprotocol.ExtensionHandshakeMessage:
		if payload.MetadataSize > 0 {
			t.meta.PeerStarted(p, payload.MetadataSize)
		}
	case peerprotocol.MetadataDataMessage:
		t.meta.HandleData(p.ID(), payload)
		t.tryFinishMetadata()
	case peerprotocol.MetadataRejectMessage:
		t.meta.HandleReject(p.ID(), payload)
	}
}

func (t *Torrent) tryFinishMetadata() {
	buf, err := t.meta.Verify()
	if err != nil {
		t.log.Debugln("metadata: hash mismatch, restarting fetch", err)
		return
	}
	if buf == nil {
		return
	}
	info, err := metainfo.NewInfo(buf)
	if err != nil {
		t.log.Warningln("metadata: fetched info failed sanity check", err)
		return
	}
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()
}

// KnownInfoHashes satisfies btconn.InfoHashSet for this single-torrent
// process: there is exactly one info hash being served.
func (t *Torrent) KnownInfoHashes() [][20]byte { return [][20]byte{t.infoHash} }

var _ btconn.InfoHashSet = (*Torrent)(nil).KnownInfoHashes
