// Package compact implements the fixed-width binary encoding BEP 5 and
// BEP 23 use for node ids, addresses, and tuples of the two: no length
// prefixes, no padding, big-endian integers concatenated in declaration
// order.
package compact

import (
	"fmt"
	"net"
)

// SizeError reports a buffer of the wrong length for a fixed-size codec.
type SizeError struct {
	Op   string
	Got  int
	Want int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("compact: %s: got %d bytes, want %d", e.Op, e.Got, e.Want)
}

// ArraySizeError reports a buffer whose length isn't a multiple of the
// per-item size expected by DecodeMany.
type ArraySizeError struct {
	Got  int
	Unit int
}

func (e *ArraySizeError) Error() string {
	return fmt.Sprintf("compact: array of %d bytes is not a multiple of %d", e.Got, e.Unit)
}

// Codec encodes and decodes a fixed-size value T to and from its compact
// binary form. Every implementation's wire size is constant, reported by
// Size.
type Codec[T any] interface {
	Size() int
	Decode(b []byte) (T, error)
	Encode(v T, out []byte)
}

// Encode allocates a fresh buffer and encodes v into it.
func Encode[T any](c Codec[T], v T) []byte {
	out := make([]byte, c.Size())
	c.Encode(v, out)
	return out
}

// DecodeMany splits b into Size()-length records and decodes each one. It
// rejects any b whose length is not an exact multiple of Size().
func DecodeMany[T any](c Codec[T], b []byte) ([]T, error) {
	chunks, err := SplitBuffer(b, c.Size())
	if err != nil {
		return nil, err
	}
	out := make([]T, len(chunks))
	for i, chunk := range chunks {
		v, err := c.Decode(chunk)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// EncodeMany concatenates the compact encoding of every element of vs.
func EncodeMany[T any](c Codec[T], vs []T) []byte {
	size := c.Size()
	out := make([]byte, len(vs)*size)
	for i, v := range vs {
		c.Encode(v, out[i*size:(i+1)*size])
	}
	return out
}

// SplitBuffer splits b into unit-sized chunks, erroring if b's length isn't
// an exact multiple of unit.
func SplitBuffer(b []byte, unit int) ([][]byte, error) {
	if unit <= 0 || len(b)%unit != 0 {
		return nil, &ArraySizeError{Got: len(b), Unit: unit}
	}
	n := len(b) / unit
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b[i*unit : (i+1)*unit]
	}
	return out, nil
}

// Uint16 is the big-endian 2-byte codec used for ports.
var Uint16 = uint16Codec{}

type uint16Codec struct{}

func (uint16Codec) Size() int { return 2 }

func (uint16Codec) Decode(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, &SizeError{Op: "uint16", Got: len(b), Want: 2}
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (uint16Codec) Encode(v uint16, out []byte) {
	out[0] = byte(v >> 8)
	out[1] = byte(v)
}

// IPv4 encodes a net.IP as its 4-octet form.
var IPv4 = ipv4Codec{}

type ipv4Codec struct{}

func (ipv4Codec) Size() int { return 4 }

func (ipv4Codec) Decode(b []byte) (net.IP, error) {
	if len(b) != 4 {
		return nil, &SizeError{Op: "ipv4", Got: len(b), Want: 4}
	}
	ip := make(net.IP, 4)
	copy(ip, b)
	return ip, nil
}

func (ipv4Codec) Encode(v net.IP, out []byte) {
	copy(out, v.To4())
}

// IPv6 encodes a net.IP as its 16-octet form.
var IPv6 = ipv6Codec{}

type ipv6Codec struct{}

func (ipv6Codec) Size() int { return 16 }

func (ipv6Codec) Decode(b []byte) (net.IP, error) {
	if len(b) != 16 {
		return nil, &SizeError{Op: "ipv6", Got: len(b), Want: 16}
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip, nil
}

func (ipv6Codec) Encode(v net.IP, out []byte) {
	copy(out, v.To16())
}

// SocketAddrV4 is the 6-byte (IPv4 + port) compact tuple.
var SocketAddrV4 = sockAddrV4Codec{}

type sockAddrV4Codec struct{}

func (sockAddrV4Codec) Size() int { return 6 }

func (sockAddrV4Codec) Decode(b []byte) (*net.UDPAddr, error) {
	if len(b) != 6 {
		return nil, &SizeError{Op: "socketaddrv4", Got: len(b), Want: 6}
	}
	ip, _ := IPv4.Decode(b[:4])
	port, _ := Uint16.Decode(b[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

func (sockAddrV4Codec) Encode(v *net.UDPAddr, out []byte) {
	IPv4.Encode(v.IP, out[:4])
	Uint16.Encode(uint16(v.Port), out[4:6])
}

// SocketAddrV6 is the 18-byte (IPv6 + port) compact tuple.
var SocketAddrV6 = sockAddrV6Codec{}

type sockAddrV6Codec struct{}

func (sockAddrV6Codec) Size() int { return 18 }

func (sockAddrV6Codec) Decode(b []byte) (*net.UDPAddr, error) {
	if len(b) != 18 {
		return nil, &SizeError{Op: "socketaddrv6", Got: len(b), Want: 18}
	}
	ip, _ := IPv6.Decode(b[:16])
	port, _ := Uint16.Decode(b[16:18])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

func (sockAddrV6Codec) Encode(v *net.UDPAddr, out []byte) {
	IPv6.Encode(v.IP, out[:16])
	Uint16.Encode(uint16(v.Port), out[16:18])
}

// DecodeSocketAddr picks the v4 or v6 compact codec based on the
// buffer's length (6 or 18 bytes), used where a single value may be either width (e.g. the DHT "ip"
// response field).
func DecodeSocketAddr(b []byte) (*net.UDPAddr, error) {
	switch len(b) {
	case 6:
		return SocketAddrV4.Decode(b)
	case 18:
		return SocketAddrV6.Decode(b)
	default:
		return nil, &SizeError{Op: "socketaddr", Got: len(b), Want: 6}
	}
}

func EncodeSocketAddr(v *net.UDPAddr) []byte {
	if ip4 := v.IP.To4(); ip4 != nil {
		out := make([]byte, 6)
		SocketAddrV4.Encode(&net.UDPAddr{IP: ip4, Port: v.Port}, out)
		return out
	}
	out := make([]byte, 18)
	SocketAddrV6.Encode(v, out)
	return out
}
