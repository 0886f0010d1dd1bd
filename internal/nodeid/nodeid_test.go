package nodeid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXORDistance(t *testing.T) {
	var a, b ID
	a[0] = 0xFF
	b[0] = 0x0F
	d := XOR(a, b)
	require.Equal(t, byte(0xF0), d[0])
}

func TestXORSelfIsZero(t *testing.T) {
	id := Random()
	d := XOR(id, id)
	var zero Distance
	require.Equal(t, zero, d)
}

func TestDistanceLess(t *testing.T) {
	var small, large Distance
	small[0] = 0x01
	large[0] = 0x02
	require.True(t, small.Less(large))
	require.False(t, large.Less(small))
}

func TestBit(t *testing.T) {
	var id ID
	id[0] = 0b10000000
	require.Equal(t, 1, Bit(id, 0))
	require.Equal(t, 0, Bit(id, 1))
}

func TestRandomWithPrefixMatchesBasePrefix(t *testing.T) {
	base := Random()
	const prefixBits = 12
	id := RandomWithPrefix(base, prefixBits)
	for i := 0; i < prefixBits; i++ {
		require.Equal(t, Bit(base, i), Bit(id, i), "bit %d", i)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	id := Random()
	out := make([]byte, Codec.Size())
	Codec.Encode(id, out)
	got, err := Codec.Decode(out)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestCodecDecodeBadLength(t *testing.T) {
	_, err := Codec.Decode(make([]byte, Len-1))
	require.Error(t, err)
}

func TestStringIsHex(t *testing.T) {
	var id ID
	id[0] = 0xAB
	require.Equal(t, "ab", id.String()[:2])
}
