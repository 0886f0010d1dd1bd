// Package window implements the µTP per-stream receive and send windows:
// out-of-order reassembly, the in-flight tracker, the RTT estimator, and
// LEDBAT-style delay-based congestion control, per spec §4.4.
package window

import (
	"fmt"
	"time"
)

// seqDiff returns a-b as a signed 16-bit wraparound distance, positive
// when a is "after" b in sequence-number order.
func seqDiff(a, b uint16) int32 { return int32(int16(a - b)) }

func seqLess(a, b uint16) bool   { return seqDiff(a, b) < 0 }
func seqLessEq(a, b uint16) bool { return seqDiff(a, b) <= 0 }

// OverflowError is returned by RecvWindow.Accept when a payload's seq is
// beyond ack+windowSize.
type OverflowError struct {
	Seq, Ack   uint16
	WindowSize int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("utp: seq %d is beyond recv window (ack=%d, size=%d)", e.Seq, e.Ack, e.WindowSize)
}

// RecvWindow reassembles out-of-order payloads into an in-order stream.
type RecvWindow struct {
	windowSize int
	ack        uint16
	pending    map[uint16][]byte
	finSeq     uint16
	hasFin     bool
	done       bool
}

// NewRecvWindow returns a window that has delivered everything up to and
// including initialAck (the seq the peer's handshake announced).
func NewRecvWindow(windowSize int, initialAck uint16) *RecvWindow {
	return &RecvWindow{windowSize: windowSize, ack: initialAck, pending: make(map[uint16][]byte)}
}

// Ack is the highest contiguous seq delivered so far.
func (w *RecvWindow) Ack() uint16 { return w.ack }

// Accept records payload for seq, draining any now-contiguous run
// starting at ack+1. A duplicate (seq <= ack) is silently dropped; a seq
// beyond the window is an OverflowError.
func (w *RecvWindow) Accept(seq uint16, payload []byte) ([][]byte, error) {
	if w.done || seqLessEq(seq, w.ack) {
		return nil, nil
	}
	if int(seqDiff(seq, w.ack)) > w.windowSize {
		return nil, &OverflowError{Seq: seq, Ack: w.ack, WindowSize: w.windowSize}
	}
	if _, exists := w.pending[seq]; !exists {
		w.pending[seq] = payload
	}
	var delivered [][]byte
	for {
		next := w.ack + 1
		p, ok := w.pending[next]
		if !ok {
			break
		}
		delivered = append(delivered, p)
		delete(w.pending, next)
		w.ack = next
	}
	if w.hasFin && w.ack == w.finSeq {
		w.done = true
	}
	return delivered, nil
}

// Close records the peer's Finish seq; Done becomes true once every
// payload up to it has been delivered.
func (w *RecvWindow) Close(finSeq uint16) {
	w.finSeq = finSeq
	w.hasFin = true
	if w.ack == finSeq {
		w.done = true
	}
}

// Done reports whether the Finish seq has been reached.
func (w *RecvWindow) Done() bool { return w.done }

// SelectiveAckOffsets returns, relative to Ack+2, the offsets of payloads
// already buffered out of order — the bitmask the egress side attaches
// as the selective-ack extension.
func (w *RecvWindow) SelectiveAckOffsets() []int {
	if len(w.pending) == 0 {
		return nil
	}
	maxSeq := w.ack
	for seq := range w.pending {
		if seqLess(maxSeq, seq) {
			maxSeq = seq
		}
	}
	span := int(seqDiff(maxSeq, w.ack))
	var offsets []int
	for i := 2; i <= span; i++ {
		if _, ok := w.pending[w.ack+uint16(i)]; ok {
			offsets = append(offsets, i-2)
		}
	}
	return offsets
}

// RTT is the Jacobson/Karn-style round-trip estimator.
type RTT struct {
	Avg     time.Duration
	Var     time.Duration
	Timeout time.Duration
}

const (
	minRTOTimeout = 500 * time.Millisecond
	maxRTOTimeout = 30 * time.Second
)

// Sample folds one RTT observation into the estimator.
func (r *RTT) Sample(sample time.Duration) {
	if r.Avg == 0 && r.Var == 0 {
		r.Avg = sample
		r.Var = sample / 2
	} else {
		diff := sample - r.Avg
		r.Avg += diff / 8
		if diff < 0 {
			diff = -diff
		}
		r.Var += (diff - r.Var) / 4
	}
	r.Timeout = r.Avg + 4*r.Var
	if r.Timeout < minRTOTimeout {
		r.Timeout = minRTOTimeout
	}
	if r.Timeout > maxRTOTimeout {
		r.Timeout = maxRTOTimeout
	}
}

// Backoff doubles the timeout after a consecutive retransmit timeout,
// capped at maxRTOTimeout, the exponential back-off §4.5 calls for.
func (r *RTT) Backoff() {
	r.Timeout *= 2
	if r.Timeout > maxRTOTimeout {
		r.Timeout = maxRTOTimeout
	}
}

// InFlightEntry is one outstanding sent packet awaiting acknowledgement.
// Payload is retained so the RTT timer can resend the exact same bytes
// on a timeout.
type InFlightEntry struct {
	Seq         uint16
	SentAt      time.Time
	Payload     []byte
	Retransmits int
	SelAcked    bool
}

func (e *InFlightEntry) Size() int { return len(e.Payload) }

// Config carries the congestion-control tunables, explicit per §9 rather
// than global constants.
type Config struct {
	CControlTarget        time.Duration // default 100ms
	MaxCwndIncreasePerRTT uint32        // bytes
	MinPacketSize         uint32
	MaxWindow             uint32
	BaseDelayWindow       time.Duration // default 2 minutes
}

func DefaultConfig() Config {
	return Config{
		CControlTarget:        100 * time.Millisecond,
		MaxCwndIncreasePerRTT: 3000,
		MinPacketSize:         150,
		MaxWindow:             1 << 20,
		BaseDelayWindow:       2 * time.Minute,
	}
}

// SendWindow tracks outstanding packets, the peer's advertised window,
// and the delay-based congestion window.
type SendWindow struct {
	cfg Config

	seq      uint16
	inFlight []*InFlightEntry

	peerWindow uint32
	sizeLimit  uint32

	rtt RTT

	baseDelay      uint32
	baseDelaySetAt time.Time
}

// NewSendWindow seeds the allocator at initialSeq (the first seq to be
// sent after the handshake).
func NewSendWindow(initialSeq uint16, cfg Config) *SendWindow {
	return &SendWindow{
		cfg:        cfg,
		seq:        initialSeq,
		peerWindow: cfg.MaxWindow,
		sizeLimit:  cfg.MinPacketSize * 2,
	}
}

// NextSeq allocates and returns the next outbound sequence number.
func (w *SendWindow) NextSeq() uint16 {
	s := w.seq
	w.seq++
	return s
}

// NextSeqPeek returns the next seq that NextSeq would allocate, without
// consuming it — used by State/Reset packets that report the stream
// position without advancing it.
func (w *SendWindow) NextSeqPeek() uint16 { return w.seq }

// BytesInFlight sums the size of every unacknowledged outstanding packet.
func (w *SendWindow) BytesInFlight() uint32 {
	var n uint32
	for _, p := range w.inFlight {
		n += uint32(p.Size())
	}
	return n
}

// Avail is how many more bytes may be sent right now, bounded by both the
// peer's advertised window and our own congestion window.
func (w *SendWindow) Avail() uint32 {
	limit := w.peerWindow
	if w.sizeLimit < limit {
		limit = w.sizeLimit
	}
	inFlight := w.BytesInFlight()
	if inFlight >= limit {
		return 0
	}
	return limit - inFlight
}

// SetPeerWindow records the peer's last-advertised window_size.
func (w *SendWindow) SetPeerWindow(v uint32) { w.peerWindow = v }

// Record appends a freshly sent packet to the in-flight list, retaining
// its payload so the RTT timer can resend identical bytes on timeout.
func (w *SendWindow) Record(seq uint16, payload []byte, sentAt time.Time) {
	w.inFlight = append(w.inFlight, &InFlightEntry{Seq: seq, SentAt: sentAt, Payload: payload})
}

// MarkRetransmit bumps the retransmit counter for an in-flight entry and
// restamps its send time.
func (w *SendWindow) MarkRetransmit(seq uint16, now time.Time) {
	for _, p := range w.inFlight {
		if p.Seq == seq {
			p.Retransmits++
			p.SentAt = now
			return
		}
	}
}

// Oldest returns the oldest in-flight entry, used by the RTT timer to
// pick what to retransmit on timeout.
func (w *SendWindow) Oldest() *InFlightEntry {
	if len(w.inFlight) == 0 {
		return nil
	}
	return w.inFlight[0]
}

// RecvAck processes one received ack, selective-ack bitmask (as
// Ack+2-relative offsets), the peer's reported send_delay (our_delay),
// and now. It returns the bytes newly acknowledged and whether loss was
// detected (three or more later seqs selectively acked, or an RTT
// timeout), per spec §4.4.
func (w *SendWindow) RecvAck(ack uint16, sackOffsets []int, ourDelay uint32, now time.Time) (ackedBytes uint32, lost bool) {
	var remaining []*InFlightEntry
	for _, p := range w.inFlight {
		if seqLessEq(p.Seq, ack) {
			if p.Retransmits == 0 {
				w.rtt.Sample(now.Sub(p.SentAt))
			}
			ackedBytes += uint32(p.Size())
			continue
		}
		remaining = append(remaining, p)
	}
	w.inFlight = remaining

	selAcked := make(map[uint16]bool, len(sackOffsets))
	for _, off := range sackOffsets {
		selAcked[ack+2+uint16(off)] = true
	}
	for _, p := range w.inFlight {
		if selAcked[p.Seq] {
			p.SelAcked = true
		}
	}

	for i, p := range w.inFlight {
		if p.SelAcked {
			continue
		}
		laterAcked := 0
		for j := i + 1; j < len(w.inFlight); j++ {
			if w.inFlight[j].SelAcked {
				laterAcked++
			}
		}
		if laterAcked >= 3 {
			lost = true
		}
		if w.rtt.Timeout > 0 && now.Sub(p.SentAt) > w.rtt.Timeout {
			lost = true
		}
	}

	if ackedBytes > 0 {
		w.updateCongestionWindow(ourDelay, ackedBytes, now)
	}
	if lost {
		w.sizeLimit /= 2
		if w.sizeLimit < w.cfg.MinPacketSize {
			w.sizeLimit = w.cfg.MinPacketSize
		}
	}
	return ackedBytes, lost
}

func (w *SendWindow) updateBaseDelay(ourDelay uint32, now time.Time) {
	if w.baseDelaySetAt.IsZero() || now.Sub(w.baseDelaySetAt) > w.cfg.BaseDelayWindow {
		w.baseDelay = ourDelay
		w.baseDelaySetAt = now
		return
	}
	if ourDelay < w.baseDelay {
		w.baseDelay = ourDelay
		w.baseDelaySetAt = now
	}
}

func (w *SendWindow) updateCongestionWindow(ourDelay uint32, ackedBytes uint32, now time.Time) {
	w.updateBaseDelay(ourDelay, now)
	queuingDelay := int64(ourDelay) - int64(w.baseDelay)
	if queuingDelay < 0 {
		queuingDelay = 0
	}
	target := float64(w.cfg.CControlTarget.Microseconds())
	offTarget := (target - float64(queuingDelay)) / target
	increase := float64(w.cfg.MaxCwndIncreasePerRTT) * offTarget * float64(ackedBytes) / float64(w.sizeLimit)
	newLimit := int64(w.sizeLimit) + int64(increase)
	if newLimit < int64(w.cfg.MinPacketSize) {
		newLimit = int64(w.cfg.MinPacketSize)
	}
	if newLimit > int64(w.cfg.MaxWindow) {
		newLimit = int64(w.cfg.MaxWindow)
	}
	w.sizeLimit = uint32(newLimit)
}

// HalveWindow applies the TCP-like loss response: halve the congestion
// window, used on an RTT-timeout retransmit outside of RecvAck.
func (w *SendWindow) HalveWindow() {
	w.sizeLimit /= 2
	if w.sizeLimit < w.cfg.MinPacketSize {
		w.sizeLimit = w.cfg.MinPacketSize
	}
}

// SizeLimit returns the current congestion window in bytes.
func (w *SendWindow) SizeLimit() uint32 { return w.sizeLimit }

// InFlightCount returns the number of unacknowledged packets.
func (w *SendWindow) InFlightCount() int { return len(w.inFlight) }

// HasSeq reports whether seq is still outstanding (sent but not yet
// acknowledged).
func (w *SendWindow) HasSeq(seq uint16) bool {
	for _, p := range w.inFlight {
		if p.Seq == seq {
			return true
		}
	}
	return false
}

// RTTTimeout is the estimator's current retransmit timeout.
func (w *SendWindow) RTTTimeout() time.Duration {
	if w.rtt.Timeout == 0 {
		return time.Second
	}
	return w.rtt.Timeout
}
