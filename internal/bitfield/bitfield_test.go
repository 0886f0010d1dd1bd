package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	b := New(10)
	require.False(t, b.Test(3))
	b.Set(3)
	require.True(t, b.Test(3))
	require.Equal(t, 1, b.Count())
	b.Clear(3)
	require.False(t, b.Test(3))
	require.Equal(t, 0, b.Count())
}

func TestBytesRoundTrip(t *testing.T) {
	b := New(10)
	b.Set(0)
	b.Set(9)
	wire := b.Bytes()
	require.Len(t, wire, 2) // ceil(10/8)

	decoded := FromBytes(wire, 10)
	require.True(t, decoded.Test(0))
	require.True(t, decoded.Test(9))
	require.Equal(t, 2, decoded.Count())
	for i := 1; i < 9; i++ {
		require.False(t, decoded.Test(i))
	}
}

func TestGrow(t *testing.T) {
	b := New(0)
	require.Equal(t, 0, b.Len())
	b.Grow(5)
	require.Equal(t, 5, b.Len())
	b.Grow(2) // shrinking is a no-op
	require.Equal(t, 5, b.Len())
}

func TestCandidates(t *testing.T) {
	remote := New(4)
	remote.Set(0)
	remote.Set(1)
	remote.Set(2)

	local := New(4)
	local.Set(0)

	c := remote.Candidates(local)
	require.False(t, c.Test(0))
	require.True(t, c.Test(1))
	require.True(t, c.Test(2))
	require.False(t, c.Test(3))
}
