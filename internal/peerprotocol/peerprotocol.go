// Package peerprotocol implements the BitTorrent peer wire protocol
// (BEP 3), the extension envelope (BEP 10), and BEP 9 metadata
// messages, per spec §4.7.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nilgrove/bittorrent/internal/bencode"
	zbencode "github.com/zeebo/bencode"
)

// MessageID is the single byte following the 4-byte length prefix.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// Extended is BEP 10's message id 20, whose payload starts with a
// per-connection extension id.
const Extended MessageID = 20

// ExtensionIDHandshake is the well-known extension id for the handshake
// itself (index 0 in ExtensionIDMap, per spec §4.7).
const ExtensionIDHandshake = 0

const pstr = "BitTorrent protocol"

// PstrLen is the fixed first byte of a plaintext BEP 3 handshake
// (len(pstr)) — the tell a listener peeks for to distinguish a
// plaintext connection attempt from an MSE negotiation, whose first
// byte is part of a Diffie-Hellman public key and effectively random.
const PstrLen = len(pstr)

// HandshakeLen is the fixed length of the BEP 3 handshake.
const HandshakeLen = 1 + len(pstr) + 8 + 20 + 20

var ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")

// reserved bit flags, masks within their respective byte of the 8-byte
// reserved field (byte 5 for BEP 10 extensions, byte 7 for BEP 5 DHT).
const (
	reservedExtensionBit = 0x10
	reservedDHTBit       = 0x01
)

// Handshake is the fixed BEP 3 handshake frame.
type Handshake struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	Extension bool // reserved bit 20
	DHT       bool // reserved bit 0
}

func (h Handshake) Encode() []byte {
	b := make([]byte, HandshakeLen)
	b[0] = byte(len(pstr))
	copy(b[1:], pstr)
	if h.Extension {
		b[1+len(pstr)+5] |= reservedExtensionBit
	}
	if h.DHT {
		b[1+len(pstr)+7] |= reservedDHTBit
	}
	copy(b[1+len(pstr)+8:], h.InfoHash[:])
	copy(b[1+len(pstr)+28:], h.PeerID[:])
	return b
}

func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLen || int(b[0]) != len(pstr) || string(b[1:1+len(pstr)]) != pstr {
		return h, ErrInvalidProtocol
	}
	h.Extension = b[1+len(pstr)+5]&reservedExtensionBit != 0
	h.DHT = b[1+len(pstr)+7]&reservedDHTBit != 0
	copy(h.InfoHash[:], b[1+len(pstr)+8:1+len(pstr)+28])
	copy(h.PeerID[:], b[1+len(pstr)+28:1+len(pstr)+48])
	return h, nil
}

// Message is any decoded peer wire message.
type Message interface{}

type HaveMessage struct{ Index uint32 }
type BitfieldMessage struct{ Data []byte }
type RequestMessage struct{ Index, Begin, Length uint32 }
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}
type CancelMessage struct{ Index, Begin, Length uint32 }
type PortMessage struct{ Port uint16 }
type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}
type KeepAliveMessage struct{}

// ExtensionMessage is a BEP 10 frame: ExtendedMessageID is the peer's
// own numbering for the sub-protocol, looked up via ExtensionIDMap.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           interface{}
}

// ExtensionHandshakeMessage is extension id 0's payload: advertises our
// own numbering for sub-protocols we support (m), our metadata size if
// we have it, and our listen port/client version.
type ExtensionHandshakeMessage struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	V            string         `bencode:"v,omitempty"`
	Port         int            `bencode:"p,omitempty"`
}

// ExtensionNameMetadata is the well-known BEP 9 sub-protocol name.
const ExtensionNameMetadata = "ut_metadata"

// Metadata piece size, per spec §4.7.
const MetadataPieceSize = 16384

// metadata msg_type values.
const (
	MetadataMsgTypeRequest = 0
	MetadataMsgTypeData    = 1
	MetadataMsgTypeReject  = 2
)

// MetadataRequestMessage asks for one metadata piece.
type MetadataRequestMessage struct {
	Piece int `bencode:"piece"`
}

// MetadataDataMessage carries one metadata piece of at most
// MetadataPieceSize bytes, the trailing bytes of the frame after the
// bencoded dict.
type MetadataDataMessage struct {
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size"`
	Data      []byte
}

// MetadataRejectMessage declines a metadata piece request.
type MetadataRejectMessage struct {
	Piece int `bencode:"piece"`
}

// EncodeMetadataMessage serializes a Metadata*Message to its bencoded
// dict (plus trailing raw payload for Data), per spec scenario S6. It
// uses the raw-preserving bencode package directly (rather than a
// struct-tagged encoder) so the trailing piece payload can be appended
// without being itself bencode-escaped.
func EncodeMetadataMessage(m interface{}) ([]byte, error) {
	switch v := m.(type) {
	case MetadataRequestMessage:
		dict := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("msg_type"), Value: bencode.NewInt(MetadataMsgTypeRequest)},
			{Key: []byte("piece"), Value: bencode.NewInt(int64(v.Piece))},
		})
		return bencode.Marshal(dict), nil
	case MetadataDataMessage:
		dict := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("msg_type"), Value: bencode.NewInt(MetadataMsgTypeData)},
			{Key: []byte("piece"), Value: bencode.NewInt(int64(v.Piece))},
			{Key: []byte("total_size"), Value: bencode.NewInt(int64(v.TotalSize))},
		})
		head := bencode.Marshal(dict)
		return append(head, v.Data...), nil
	case MetadataRejectMessage:
		dict := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("msg_type"), Value: bencode.NewInt(MetadataMsgTypeReject)},
			{Key: []byte("piece"), Value: bencode.NewInt(int64(v.Piece))},
		})
		return bencode.Marshal(dict), nil
	default:
		return nil, fmt.Errorf("peerprotocol: unknown metadata message %T", m)
	}
}

// DecodeMetadataMessage parses b (the extension payload after the
// leading extension-id byte) into one of the Metadata*Message types.
func DecodeMetadataMessage(b []byte) (interface{}, error) {
	val, n, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	msgTypeVal, ok := val.Get("msg_type")
	if !ok {
		return nil, fmt.Errorf("peerprotocol: metadata message missing msg_type")
	}
	msgType, err := msgTypeVal.AsInt()
	if err != nil {
		return nil, err
	}
	pieceVal, ok := val.Get("piece")
	if !ok {
		return nil, fmt.Errorf("peerprotocol: metadata message missing piece")
	}
	piece, err := pieceVal.AsInt()
	if err != nil {
		return nil, err
	}
	rest := b[n:]
	switch msgType {
	case MetadataMsgTypeRequest:
		return MetadataRequestMessage{Piece: int(piece)}, nil
	case MetadataMsgTypeData:
		totalSizeVal, ok := val.Get("total_size")
		if !ok {
			return nil, fmt.Errorf("peerprotocol: metadata data message missing total_size")
		}
		totalSize, err := totalSizeVal.AsInt()
		if err != nil {
			return nil, err
		}
		return MetadataDataMessage{Piece: int(piece), TotalSize: int(totalSize), Data: rest}, nil
	case MetadataMsgTypeReject:
		return MetadataRejectMessage{Piece: int(piece)}, nil
	default:
		return nil, fmt.Errorf("peerprotocol: unknown metadata msg_type %d", msgType)
	}
}

// ExtensionIDMap maps our local extension ids (index 0 is the
// handshake) to the peer's ids, learned from its handshake's m dict.
type ExtensionIDMap struct {
	names  []string // local id -> name
	byName map[string]int
	peer   map[string]byte // name -> peer's id
}

func NewExtensionIDMap() *ExtensionIDMap {
	return &ExtensionIDMap{
		names:  []string{""}, // index 0 reserved for the handshake itself
		byName: map[string]int{},
		peer:   map[string]byte{},
	}
}

// Register assigns name the next local id and returns it.
func (m *ExtensionIDMap) Register(name string) int {
	if id, ok := m.byName[name]; ok {
		return id
	}
	id := len(m.names)
	m.names = append(m.names, name)
	m.byName[name] = id
	return id
}

// LearnPeerIDs records the peer's own numbering from its handshake's m
// dict.
func (m *ExtensionIDMap) LearnPeerIDs(peerM map[string]int) {
	for name, id := range peerM {
		m.peer[name] = byte(id)
	}
}

// PeerID returns the id to use when sending a message for name, the
// peer's own numbering.
func (m *ExtensionIDMap) PeerID(name string) (byte, bool) {
	id, ok := m.peer[name]
	return id, ok
}

// LocalName resolves a received local extension id (ours) back to its
// name.
func (m *ExtensionIDMap) LocalName(id byte) (string, bool) {
	if int(id) >= len(m.names) {
		return "", false
	}
	return m.names[id], nil == nil && m.names[id] != ""
}

// OurM builds the m dict we advertise in our own extension handshake.
func (m *ExtensionIDMap) OurM() map[string]int {
	out := make(map[string]int, len(m.names)-1)
	for id, name := range m.names {
		if id == 0 {
			continue
		}
		out[name] = id
	}
	return out
}

// WriteMessage frames and writes msg to w: a 4-byte big-endian length
// prefix (payload length, 0 for KeepAlive) then the message id and
// body.
func WriteMessage(w io.Writer, msg Message) error {
	body, id, err := encodeBody(msg)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	if id == nil {
		binary.BigEndian.PutUint32(lenBuf[:], 0)
		_, err := w.Write(lenBuf[:])
		return err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(1+len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(*id)}); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func encodeBody(msg Message) ([]byte, *MessageID, error) {
	switch v := msg.(type) {
	case KeepAliveMessage:
		return nil, nil, nil
	case ChokeMessage:
		id := Choke
		return nil, &id, nil
	case UnchokeMessage:
		id := Unchoke
		return nil, &id, nil
	case InterestedMessage:
		id := Interested
		return nil, &id, nil
	case NotInterestedMessage:
		id := NotInterested
		return nil, &id, nil
	case HaveMessage:
		id := Have
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v.Index)
		return b, &id, nil
	case BitfieldMessage:
		id := Bitfield
		return v.Data, &id, nil
	case RequestMessage:
		id := Request
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], v.Index)
		binary.BigEndian.PutUint32(b[4:8], v.Begin)
		binary.BigEndian.PutUint32(b[8:12], v.Length)
		return b, &id, nil
	case PieceMessage:
		id := Piece
		b := make([]byte, 8+len(v.Data))
		binary.BigEndian.PutUint32(b[0:4], v.Index)
		binary.BigEndian.PutUint32(b[4:8], v.Begin)
		copy(b[8:], v.Data)
		return b, &id, nil
	case CancelMessage:
		id := Cancel
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], v.Index)
		binary.BigEndian.PutUint32(b[4:8], v.Begin)
		binary.BigEndian.PutUint32(b[8:12], v.Length)
		return b, &id, nil
	case PortMessage:
		id := Port
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, v.Port)
		return b, &id, nil
	case ExtensionMessage:
		id := Extended
		var payload []byte
		var err error
		switch p := v.Payload.(type) {
		case ExtensionHandshakeMessage:
			payload, err = zbencode.EncodeBytes(p)
		case MetadataRequestMessage, MetadataDataMessage, MetadataRejectMessage:
			payload, err = EncodeMetadataMessage(p)
		default:
			err = fmt.Errorf("peerprotocol: unknown extension payload %T", p)
		}
		if err != nil {
			return nil, nil, err
		}
		b := make([]byte, 1+len(payload))
		b[0] = v.ExtendedMessageID
		copy(b[1:], payload)
		return b, &id, nil
	default:
		return nil, nil, fmt.Errorf("peerprotocol: unknown message %T", msg)
	}
}

// MaxMessageLength bounds the length prefix ReadMessage will trust
// enough to allocate a buffer for, well above any legitimate frame
// (the largest is a bitfield for a many-million-piece torrent) but far
// short of what a peer could claim to exhaust memory with.
const MaxMessageLength = 1 << 21

// ErrMessageTooLarge is returned by ReadMessage when a frame's length
// prefix exceeds MaxMessageLength.
var ErrMessageTooLarge = errors.New("peerprotocol: message length exceeds maximum")

// ReadMessage reads one length-prefixed frame from r and decodes it.
// extIDs resolves an extension message's leading id back to a name so
// its payload can be decoded (nil id 0 is always the handshake).
func ReadMessage(r io.Reader, extIDs *ExtensionIDMap) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage{}, nil
	}
	if length > MaxMessageLength {
		return nil, ErrMessageTooLarge
	}
	idByte := make([]byte, 1)
	if _, err := io.ReadFull(r, idByte); err != nil {
		return nil, err
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(MessageID(idByte[0]), body, extIDs)
}

func decodeBody(id MessageID, body []byte, extIDs *ExtensionIDMap) (Message, error) {
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(body) != 4 {
			return nil, fmt.Errorf("peerprotocol: invalid have length %d", len(body))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(body)}, nil
	case Bitfield:
		return BitfieldMessage{Data: body}, nil
	case Request:
		if len(body) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid request length %d", len(body))
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("peerprotocol: invalid piece length %d", len(body))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Data:  body[8:],
		}, nil
	case Cancel:
		if len(body) != 12 {
			return nil, fmt.Errorf("peerprotocol: invalid cancel length %d", len(body))
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	case Port:
		if len(body) != 2 {
			return nil, fmt.Errorf("peerprotocol: invalid port length %d", len(body))
		}
		return PortMessage{Port: binary.BigEndian.Uint16(body)}, nil
	case Extended:
		if len(body) < 1 {
			return nil, fmt.Errorf("peerprotocol: empty extended message")
		}
		localID := body[0]
		payload := body[1:]
		if localID == ExtensionIDHandshake {
			var hs ExtensionHandshakeMessage
			if err := zbencode.DecodeBytes(payload, &hs); err != nil {
				return nil, err
			}
			if extIDs != nil {
				extIDs.LearnPeerIDs(hs.M)
			}
			return ExtensionMessage{ExtendedMessageID: localID, Payload: hs}, nil
		}
		name, _ := extIDs.LocalName(localID)
		switch name {
		case ExtensionNameMetadata:
			m, err := DecodeMetadataMessage(payload)
			if err != nil {
				return nil, err
			}
			return ExtensionMessage{ExtendedMessageID: localID, Payload: m}, nil
		default:
			return ExtensionMessage{ExtendedMessageID: localID, Payload: payload}, nil
		}
	default:
		return nil, fmt.Errorf("peerprotocol: unknown message id %d", id)
	}
}
