// Package krpc implements the KRPC request/reply layer DHT queries ride
// on: bencoded UDP dictionaries with a transaction id correlating queries
// to responses, per BEP 5.
package krpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nilgrove/bittorrent/internal/logger"
	"github.com/zeebo/bencode"
)

// Error codes per BEP 5 section "Errors".
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// RemoteError is the [code, message] pair a peer's "e" response carries.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("krpc: remote error %d: %s", e.Code, e.Message)
}

// Envelope is the generic shape of every KRPC datagram: a transaction id,
// a type discriminant ("q", "r", or "e"), and the type-specific payload.
// Queries and responses carry their arguments/results as a plain
// bencoded dict decoded into a Go map, since KRPC dictionaries are shallow
// and don't need the raw-byte-preserving bencode.Value tree.
type Envelope struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

// ErrTimeout is returned by Call when no response arrives before the
// transaction's deadline.
var ErrTimeout = fmt.Errorf("krpc: query timed out")

// Sender is the minimal send capability a Client needs; satisfied by
// *net.UDPConn and by the shared-socket demultiplexer's per-protocol
// writer.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// IncomingQuery is a "q" envelope handed to the caller for dispatch.
type IncomingQuery struct {
	Addr   *net.UDPAddr
	TxID   string
	Method string
	Args   map[string]interface{}
}

type pendingTxn struct {
	query    string
	deadline time.Time
	resultC  chan txnResult
}

type txnResult struct {
	r   map[string]interface{}
	err error
}

// Client correlates outgoing queries with their responses by transaction
// id and surfaces incoming queries on a channel for a server to dispatch.
type Client struct {
	send         func(b []byte, addr *net.UDPAddr) error
	log          logger.Logger
	queryTimeout time.Duration

	mu      sync.Mutex
	nextTID uint16
	txns    map[string]*pendingTxn

	queriesC chan IncomingQuery
}

// NewClient builds a Client that writes outgoing datagrams via send.
func NewClient(send func(b []byte, addr *net.UDPAddr) error, queryTimeout time.Duration, l logger.Logger) *Client {
	return &Client{
		send:         send,
		log:          l,
		queryTimeout: queryTimeout,
		txns:         make(map[string]*pendingTxn),
		queriesC:     make(chan IncomingQuery, 256),
	}
}

// Queries returns the channel incoming "q" envelopes are delivered on.
func (c *Client) Queries() <-chan IncomingQuery { return c.queriesC }

// allocTxID returns the next transaction id, sequential modulo the 16-bit
// wraparound, encoded as a 2-byte string as KRPC convention expects.
func (c *Client) allocTxID() string {
	id := c.nextTID
	c.nextTID++
	return string([]byte{byte(id >> 8), byte(id)})
}

// Call sends a query and blocks until a response/error arrives or
// queryTimeout elapses. Concurrent calls to the same or different
// endpoints may share one Client; each gets a distinct transaction id.
func (c *Client) Call(addr *net.UDPAddr, method string, args map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	tid := c.allocTxID()
	txn := &pendingTxn{
		query:    method,
		deadline: time.Now().Add(c.queryTimeout),
		resultC:  make(chan txnResult, 1),
	}
	c.txns[tid] = txn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.txns, tid)
		c.mu.Unlock()
	}()

	env := Envelope{T: tid, Y: "q", Q: method, A: args}
	b, err := bencode.EncodeBytes(env)
	if err != nil {
		return nil, err
	}
	if err := c.send(b, addr); err != nil {
		return nil, err
	}

	select {
	case res := <-txn.resultC:
		return res.r, res.err
	case <-time.After(time.Until(txn.deadline)):
		return nil, ErrTimeout
	}
}

// HandleDatagram decodes b as a KRPC envelope and either resolves a
// pending transaction or enqueues an incoming query. It assumes the
// caller (the shared-socket demultiplexer) has already recognized b as a
// bencoded dictionary by its leading 'd' byte.
func (c *Client) HandleDatagram(addr *net.UDPAddr, b []byte) {
	var env Envelope
	if err := bencode.DecodeBytes(b, &env); err != nil {
		c.log.Debugln("krpc: malformed datagram from", addr, ":", err)
		return
	}
	switch env.Y {
	case "q":
		select {
		case c.queriesC <- IncomingQuery{Addr: addr, TxID: env.T, Method: env.Q, Args: env.A}:
		default:
			c.log.Warningln("krpc: incoming query queue full, dropping from", addr)
		}
	case "r":
		c.resolve(env.T, env.R, nil)
	case "e":
		c.resolve(env.T, nil, remoteErrorFrom(env.E))
	default:
		c.log.Debugln("krpc: unknown envelope type", env.Y, "from", addr)
	}
}

func remoteErrorFrom(e []interface{}) error {
	if len(e) != 2 {
		return &RemoteError{Code: ErrCodeGeneric, Message: "malformed error"}
	}
	code, _ := toInt(e[0])
	msg, _ := e[1].(string)
	return &RemoteError{Code: int(code), Message: msg}
}

func toInt(v interface{}) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

func (c *Client) resolve(tid string, r map[string]interface{}, err error) {
	c.mu.Lock()
	txn, ok := c.txns[tid]
	if ok {
		delete(c.txns, tid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case txn.resultC <- txnResult{r: r, err: err}:
	default:
	}
}

// Respond sends an "r" response for an incoming query.
func (c *Client) Respond(addr *net.UDPAddr, tid string, r map[string]interface{}) error {
	env := Envelope{T: tid, Y: "r", R: r}
	b, err := bencode.EncodeBytes(env)
	if err != nil {
		return err
	}
	return c.send(b, addr)
}

// RespondError sends an "e" error response for an incoming query.
func (c *Client) RespondError(addr *net.UDPAddr, tid string, code int, msg string) error {
	env := Envelope{T: tid, Y: "e", E: []interface{}{int64(code), msg}}
	b, err := bencode.EncodeBytes(env)
	if err != nil {
		return err
	}
	return c.send(b, addr)
}
