// Package conn implements the µTP connection state machine: handshake,
// the established ingress/egress/rtt-timer/keepalive tasks, and graceful
// or abortive close, per spec §4.5.
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/nilgrove/bittorrent/internal/utp/packet"
	"github.com/nilgrove/bittorrent/internal/utp/window"
)

// ErrConnectionReset is surfaced when the peer sends a Reset packet.
var ErrConnectionReset = errors.New("utp: connection reset by peer")

// ErrTimeout covers both a handshake that never completes and repeated
// RTT timeouts past MaxRetransmits.
var ErrTimeout = errors.New("utp: timeout")

// ErrClosed is returned by Read/Write once the connection has shut down.
var ErrClosed = errors.New("utp: connection closed")

// Sender abstracts the shared UDP socket a µTP connection writes
// datagrams to; the demultiplexer owns the actual net.PacketConn.
type Sender interface {
	SendTo(addr *net.UDPAddr, b []byte) error
}

// Config carries every µTP tunable explicit, per spec §9.
type Config struct {
	ConnectTimeout  time.Duration
	RecvIdleTimeout time.Duration
	CloseGrace      time.Duration
	MaxRetransmits  int
	PacketSize      int
	RecvWindowSize  int
	IncomingBuffer  int
	Window          window.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		RecvIdleTimeout: 30 * time.Second,
		CloseGrace:      10 * time.Second,
		MaxRetransmits:  10,
		PacketSize:      1400,
		RecvWindowSize:  1 << 20,
		IncomingBuffer:  256,
		Window:          window.DefaultConfig(),
	}
}

type state int

const (
	stateHandshake state = iota
	stateEstablished
	stateClosing
	stateClosed
	stateReset
)

func nowMicro() uint32 {
	return uint32(time.Now().UnixMicro())
}

func randUint16() uint16 {
	var b [2]byte
	_, _ = randRead(b[:])
	return uint16(b[0])<<8 | uint16(b[1])
}

// Conn is one established µTP stream. All state is owned by the run
// goroutine; Read/Write/Close talk to it through channels.
type Conn struct {
	cfg    Config
	log    logger.Logger
	sender Sender
	addr   *net.UDPAddr

	initiator bool
	recvID    uint16
	sendID    uint16

	recvWindow *window.RecvWindow
	sendWindow *window.SendWindow

	incomingC chan *packet.Packet

	writeC chan writeReq
	readC  chan readReq
	closeC chan chan struct{}
	abortC chan struct{}

	doneC chan struct{}
	err   error

	mu sync.Mutex // guards err/state for Read/Write/Close observers after doneC closes
}

type writeReq struct {
	data []byte
	resC chan error
}

type readReq struct {
	buf  []byte
	resC chan readResult
}

type readResult struct {
	n   int
	err error
}

// Dial performs the initiator handshake and, on success, returns a
// running Conn.
func Dial(sender Sender, addr *net.UDPAddr, incoming <-chan *packet.Packet, log logger.Logger, cfg Config) (*Conn, error) {
	recvID := randUint16()
	sendID := recvID + 1
	seq := randUint16()

	syn := &packet.Packet{
		Type:       packet.Synchronize,
		ConnID:     recvID,
		SendAt:     nowMicro(),
		WindowSize: uint32(cfg.RecvWindowSize),
		Seq:        seq,
		Ack:        0,
	}
	if err := sender.SendTo(addr, packet.Encode(syn)); err != nil {
		return nil, fmt.Errorf("utp: dial: %w", err)
	}

	deadline := time.NewTimer(cfg.ConnectTimeout)
	defer deadline.Stop()

	var st *packet.Packet
	for st == nil {
		select {
		case p := <-incoming:
			if p.ConnID != recvID {
				continue
			}
			if p.Type != packet.State {
				continue
			}
			st = p
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}

	c := &Conn{
		cfg:        cfg,
		log:        log,
		sender:     sender,
		addr:       addr,
		initiator:  true,
		recvID:     recvID,
		sendID:     sendID,
		recvWindow: window.NewRecvWindow(cfg.RecvWindowSize, st.Seq),
		sendWindow: window.NewSendWindow(seq+1, cfg.Window),
		incomingC:  make(chan *packet.Packet, cfg.IncomingBuffer),
		writeC:     make(chan writeReq),
		readC:      make(chan readReq),
		closeC:     make(chan chan struct{}),
		abortC:     make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	c.sendWindow.SetPeerWindow(st.WindowSize)
	go c.run()
	return c, nil
}

// Accept completes the acceptor side of the handshake for an already
// demultiplexed Synchronize packet and returns a running Conn.
func Accept(sender Sender, addr *net.UDPAddr, syn *packet.Packet, log logger.Logger, cfg Config) (*Conn, error) {
	if syn.Type != packet.Synchronize {
		return nil, fmt.Errorf("utp: accept: expected Synchronize, got %s", syn.Type)
	}
	recvID := syn.ConnID + 1
	sendID := syn.ConnID
	seq := randUint16()

	st := &packet.Packet{
		Type:       packet.State,
		ConnID:     sendID,
		SendAt:     nowMicro(),
		WindowSize: uint32(cfg.RecvWindowSize),
		Seq:        seq,
		Ack:        syn.Seq,
	}
	if err := sender.SendTo(addr, packet.Encode(st)); err != nil {
		return nil, fmt.Errorf("utp: accept: %w", err)
	}

	c := &Conn{
		cfg:        cfg,
		log:        log,
		sender:     sender,
		addr:       addr,
		initiator:  false,
		recvID:     recvID,
		sendID:     sendID,
		recvWindow: window.NewRecvWindow(cfg.RecvWindowSize, syn.Seq),
		sendWindow: window.NewSendWindow(seq+1, cfg.Window),
		incomingC:  make(chan *packet.Packet, cfg.IncomingBuffer),
		writeC:     make(chan writeReq),
		readC:      make(chan readReq),
		closeC:     make(chan chan struct{}),
		abortC:     make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Feed hands a demultiplexed packet (recv_id already matched by the
// caller) to the connection's ingress queue. It drops the packet if the
// connection isn't keeping up rather than block the demultiplexer.
func (c *Conn) Feed(p *packet.Packet) {
	select {
	case c.incomingC <- p:
	default:
		c.log.Debugln("utp: incoming queue full, dropping packet seq", p.Seq)
	}
}

// RecvID is the connection id this side expects on incoming packets.
func (c *Conn) RecvID() uint16 { return c.recvID }

// run is the established-connection event loop: one goroutine owns all
// mutable state, matching spec §5's single-task-per-component model.
func (c *Conn) run() {
	defer close(c.doneC)

	st := stateEstablished
	var pendingWrites [][]byte
	var finSent, finAcked, peerFinSeen bool
	var finSeq uint16
	var closeReplyC chan struct{}
	var closeGraceTimer *time.Timer
	var closeGraceC <-chan time.Time

	var pendingReads []readReq
	var readBuf []byte

	rttTimer := time.NewTimer(c.sendWindow.RTTTimeout())
	defer rttTimer.Stop()
	keepalive := time.NewTimer(c.cfg.RecvIdleTimeout)
	defer keepalive.Stop()
	lastRecv := time.Now()

	deliver := func(payload []byte) {
		readBuf = append(readBuf, payload...)
		c.drainReads(&readBuf, &pendingReads)
	}

	fail := func(err error) {
		if c.err == nil {
			c.err = err
		}
		st = stateClosed
	}

	sendState := func() {
		p := &packet.Packet{
			Type:         packet.State,
			ConnID:       c.sendID,
			SendAt:       nowMicro(),
			WindowSize:   uint32(c.cfg.RecvWindowSize),
			Seq:          c.sendWindow.NextSeqPeek(),
			Ack:          c.recvWindow.Ack(),
			SelectiveAck: packet.EncodeSelectiveAck(c.recvWindow.SelectiveAckOffsets()),
		}
		_ = c.sender.SendTo(c.addr, packet.Encode(p))
	}

	egress := func() {
		for len(pendingWrites) > 0 {
			avail := c.sendWindow.Avail()
			if avail == 0 {
				return
			}
			chunk := pendingWrites[0]
			size := c.cfg.PacketSize
			if size > int(avail) {
				size = int(avail)
			}
			if size > len(chunk) {
				size = len(chunk)
			}
			if size == 0 {
				return
			}
			seq := c.sendWindow.NextSeq()
			p := &packet.Packet{
				Type:         packet.Data,
				ConnID:       c.sendID,
				SendAt:       nowMicro(),
				WindowSize:   uint32(c.cfg.RecvWindowSize),
				Seq:          seq,
				Ack:          c.recvWindow.Ack(),
				SelectiveAck: packet.EncodeSelectiveAck(c.recvWindow.SelectiveAckOffsets()),
				Payload:      chunk[:size],
			}
			_ = c.sender.SendTo(c.addr, packet.Encode(p))
			c.sendWindow.Record(seq, p.Payload, time.Now())
			if size == len(chunk) {
				pendingWrites = pendingWrites[1:]
			} else {
				pendingWrites[0] = chunk[size:]
			}
		}
	}

	sendFin := func() {
		if finSent {
			return
		}
		seq := c.sendWindow.NextSeq()
		p := &packet.Packet{
			Type:       packet.Finish,
			ConnID:     c.sendID,
			SendAt:     nowMicro(),
			WindowSize: uint32(c.cfg.RecvWindowSize),
			Seq:        seq,
			Ack:        c.recvWindow.Ack(),
		}
		_ = c.sender.SendTo(c.addr, packet.Encode(p))
		c.sendWindow.Record(seq, nil, time.Now())
		finSeq = seq
		finSent = true
	}

	sendReset := func() {
		p := &packet.Packet{
			Type:       packet.Reset,
			ConnID:     c.sendID,
			SendAt:     nowMicro(),
			WindowSize: uint32(c.cfg.RecvWindowSize),
			Seq:        c.sendWindow.NextSeqPeek(),
			Ack:        c.recvWindow.Ack(),
		}
		_ = c.sender.SendTo(c.addr, packet.Encode(p))
	}

	maybeFinishClose := func() {
		if st != stateClosing {
			return
		}
		if finAcked && (peerFinSeen && c.recvWindow.Done()) {
			st = stateClosed
		}
	}

	for st != stateClosed && st != stateReset {
		select {
		case p := <-c.incomingC:
			c.handlePacket(p, &st, &finAcked, &peerFinSeen, finSent, finSeq, deliver, sendState)
			lastRecv = time.Now()
			if !rttTimer.Stop() {
				select {
				case <-rttTimer.C:
				default:
				}
			}
			rttTimer.Reset(c.sendWindow.RTTTimeout())
			egress()
			maybeFinishClose()

		case <-c.abortC:
			sendReset()
			st = stateReset

		case w := <-c.writeC:
			if st != stateEstablished {
				w.resC <- ErrClosed
				continue
			}
			pendingWrites = append(pendingWrites, w.data)
			egress()
			w.resC <- nil

		case r := <-c.readC:
			pendingReads = append(pendingReads, r)
			c.drainReads(&readBuf, &pendingReads)

		case replyC := <-c.closeC:
			closeReplyC = replyC
			if st == stateEstablished {
				st = stateClosing
				sendFin()
				closeGraceTimer = time.NewTimer(c.cfg.CloseGrace)
				closeGraceC = closeGraceTimer.C
			}
			maybeFinishClose()

		case <-closeGraceC:
			st = stateClosed
			fail(ErrTimeout)

		case <-rttTimer.C:
			oldest := c.sendWindow.Oldest()
			if oldest != nil {
				if oldest.Retransmits >= c.cfg.MaxRetransmits {
					sendReset()
					fail(ErrTimeout)
					break
				}
				c.retransmit(oldest)
				c.sendWindow.MarkRetransmit(oldest.Seq, time.Now())
				c.sendWindow.HalveWindow()
			}
			rttTimer.Reset(c.sendWindow.RTTTimeout())

		case <-keepalive.C:
			if time.Since(lastRecv) >= c.cfg.RecvIdleTimeout {
				sendState()
			}
			keepalive.Reset(c.cfg.RecvIdleTimeout)
		}
	}

	if closeGraceTimer != nil {
		closeGraceTimer.Stop()
	}
	if st == stateReset {
		c.err = ErrConnectionReset
	}
	if c.err == nil {
		c.err = ErrClosed
	}
	for _, r := range pendingReads {
		r.resC <- readResult{0, c.err}
	}
	if closeReplyC != nil {
		close(closeReplyC)
	}
}

// retransmit resends the oldest unacked in-flight packet with its
// original payload (empty for a Finish), per spec §4.5's RTT timer.
func (c *Conn) retransmit(e *window.InFlightEntry) {
	typ := packet.Data
	if e.Payload == nil {
		typ = packet.Finish
	}
	p := &packet.Packet{
		Type:         typ,
		ConnID:       c.sendID,
		SendAt:       nowMicro(),
		WindowSize:   uint32(c.cfg.RecvWindowSize),
		Seq:          e.Seq,
		Ack:          c.recvWindow.Ack(),
		SelectiveAck: packet.EncodeSelectiveAck(c.recvWindow.SelectiveAckOffsets()),
		Payload:      e.Payload,
	}
	_ = c.sender.SendTo(c.addr, packet.Encode(p))
}

func (c *Conn) handlePacket(p *packet.Packet, st *state, finAcked, peerFinSeen *bool, finSent bool, finSeq uint16, deliver func([]byte), sendState func()) {
	switch p.Type {
	case packet.Reset:
		*st = stateReset
		return
	case packet.Synchronize:
		return
	case packet.Finish:
		c.recvWindow.Close(p.Seq)
		*peerFinSeen = true
	case packet.Data:
		delivered, err := c.recvWindow.Accept(p.Seq, p.Payload)
		if err != nil {
			c.log.Debugln("utp: recv window overflow:", err)
			return
		}
		for _, d := range delivered {
			deliver(d)
		}
	case packet.State:
	}

	c.sendWindow.SetPeerWindow(p.WindowSize)
	var sackOffsets []int
	if len(p.SelectiveAck) > 0 {
		sackOffsets = packet.SelectiveAckBits(p.SelectiveAck)
	}
	_, _ = c.sendWindow.RecvAck(p.Ack, sackOffsets, p.SendDelay, time.Now())

	// finAcked only ever latches once our own Finish has actually been
	// sent and that specific seq has dropped out of the send window —
	// never just because the window happens to be idle beforehand.
	if finSent && !c.sendWindow.HasSeq(finSeq) {
		*finAcked = true
	}

	if p.Type == packet.Data {
		sendState()
	}
}

func (c *Conn) drainReads(buf *[]byte, pending *[]readReq) {
	for len(*pending) > 0 && len(*buf) > 0 {
		r := (*pending)[0]
		n := copy(r.buf, *buf)
		*buf = (*buf)[n:]
		r.resC <- readResult{n, nil}
		*pending = (*pending)[1:]
	}
}

// Read blocks until at least one byte is available or the connection
// closes.
func (c *Conn) Read(b []byte) (int, error) {
	resC := make(chan readResult, 1)
	select {
	case c.readC <- readReq{buf: b, resC: resC}:
	case <-c.doneC:
		return 0, c.closedErr()
	}
	select {
	case r := <-resC:
		return r.n, r.err
	case <-c.doneC:
		return 0, c.closedErr()
	}
}

// Write enqueues b for transmission; it returns once queued, not once
// acknowledged.
func (c *Conn) Write(b []byte) (int, error) {
	resC := make(chan error, 1)
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.writeC <- writeReq{data: cp, resC: resC}:
	case <-c.doneC:
		return 0, c.closedErr()
	}
	select {
	case err := <-resC:
		if err != nil {
			return 0, err
		}
		return len(b), nil
	case <-c.doneC:
		return 0, c.closedErr()
	}
}

// Close initiates a graceful shutdown and waits for it (bounded by
// Config.CloseGrace) or an abortive failure.
func (c *Conn) Close() error {
	replyC := make(chan struct{})
	select {
	case c.closeC <- replyC:
	case <-c.doneC:
		return nil
	}
	select {
	case <-replyC:
	case <-c.doneC:
	}
	<-c.doneC
	return nil
}

// Abort tears the connection down immediately with a best-effort Reset.
func (c *Conn) Abort() {
	select {
	case c.abortC <- struct{}{}:
	case <-c.doneC:
	}
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// randRead is a package-level indirection over crypto/rand so tests can
// substitute a deterministic source.
var randRead = defaultRandRead
