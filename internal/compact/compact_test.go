package compact

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint16RoundTrip(t *testing.T) {
	out := Encode[uint16](Uint16, 6881)
	require.Equal(t, []byte{0x1a, 0xe1}, out)
	v, err := Uint16.Decode(out)
	require.NoError(t, err)
	require.Equal(t, uint16(6881), v)
}

func TestIPv4RoundTrip(t *testing.T) {
	ip := net.ParseIP("192.168.1.2")
	out := Encode[net.IP](IPv4, ip)
	require.Len(t, out, 4)
	got, err := IPv4.Decode(out)
	require.NoError(t, err)
	require.True(t, got.Equal(ip))
}

func TestSocketAddrV4RoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 12345}
	out := EncodeSocketAddr(addr)
	require.Len(t, out, 6)

	got, err := DecodeSocketAddr(out)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, got.Port)
}

func TestSocketAddrV6RoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}
	out := EncodeSocketAddr(addr)
	require.Len(t, out, 18)

	got, err := DecodeSocketAddr(out)
	require.NoError(t, err)
	require.True(t, got.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, got.Port)
}

func TestDecodeSocketAddrBadLength(t *testing.T) {
	_, err := DecodeSocketAddr(make([]byte, 5))
	require.Error(t, err)
}

func TestSplitBufferRejectsPartialUnit(t *testing.T) {
	_, err := SplitBuffer(make([]byte, 7), 6)
	require.Error(t, err)
}

func TestEncodeManyDecodeMany(t *testing.T) {
	addrs := []*net.UDPAddr{
		{IP: net.ParseIP("1.1.1.1").To4(), Port: 1},
		{IP: net.ParseIP("2.2.2.2").To4(), Port: 2},
	}
	buf := EncodeMany[*net.UDPAddr](SocketAddrV4, addrs)
	require.Len(t, buf, 12)

	got, err := DecodeMany[*net.UDPAddr](SocketAddrV4, buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, addrs[0].Port, got[0].Port)
	require.Equal(t, addrs[1].Port, got[1].Port)
}
