package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	v, n, err := Decode([]byte("4:spam"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, KindString, v.Kind)
	require.Equal(t, []byte("spam"), v.Str)
}

func TestDecodeInteger(t *testing.T) {
	v, _, err := Decode([]byte("i-42e"))
	require.NoError(t, err)
	require.Equal(t, KindInteger, v.Kind)
	require.Equal(t, int64(-42), v.Int)
}

func TestDecodeList(t *testing.T) {
	v, _, err := Decode([]byte("l4:spami42ee"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 2)
	require.Equal(t, []byte("spam"), v.List[0].Str)
	require.Equal(t, int64(42), v.List[1].Int)
}

func TestDecodeDict(t *testing.T) {
	v, _, err := Decode([]byte("d3:bar4:spam3:fooi42ee"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind)
	foo, ok := v.Get("foo")
	require.True(t, ok)
	require.Equal(t, int64(42), foo.Int)
	bar, ok := v.Get("bar")
	require.True(t, ok)
	require.Equal(t, []byte("spam"), bar.Str)
}

func TestDecodeFullRejectsTrailingData(t *testing.T) {
	_, err := DecodeFull([]byte("i1eextra"))
	require.Error(t, err)
}

func TestDecodeUnexpectedEOF(t *testing.T) {
	_, _, err := Decode([]byte("l4:spam"))
	require.Error(t, err)
}

func TestEncodeSortsKeysAndIsMinimal(t *testing.T) {
	v := NewDict([]DictEntry{
		{Key: []byte("zebra"), Value: NewInt(1)},
		{Key: []byte("apple"), Value: NewString([]byte("x"))},
	})
	out := Marshal(v)
	require.Equal(t, "d5:apple1:x5:zebrai1ee", string(out))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := NewDict([]DictEntry{
		{Key: []byte("info"), Value: NewDict([]DictEntry{
			{Key: []byte("length"), Value: NewInt(1024)},
			{Key: []byte("name"), Value: NewString([]byte("file.bin"))},
		})},
		{Key: []byte("list"), Value: NewList([]Value{NewInt(1), NewInt(2), NewInt(3)})},
	})
	buf := Marshal(original)

	decoded, err := DecodeFull(buf)
	require.NoError(t, err)

	info, ok := decoded.Get("info")
	require.True(t, ok)
	name, ok := info.Get("name")
	require.True(t, ok)
	require.Equal(t, "file.bin", string(name.Str))
}

func TestMustRemove(t *testing.T) {
	v := NewDict([]DictEntry{
		{Key: []byte("a"), Value: NewInt(1)},
		{Key: []byte("b"), Value: NewInt(2)},
	})
	got, rest, err := v.MustRemove("a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Int)
	_, ok := rest.Get("a")
	require.False(t, ok)
	_, ok = rest.Get("b")
	require.True(t, ok)
}

func TestMustRemoveMissingKey(t *testing.T) {
	v := NewDict(nil)
	_, _, err := v.MustRemove("missing")
	require.Error(t, err)
	var missing *MissingDictionaryKeyError
	require.ErrorAs(t, err, &missing)
}

func TestAsIntWrongKind(t *testing.T) {
	_, err := NewString([]byte("x")).AsInt()
	require.Error(t, err)
}

func TestAsStringInvalidUTF8(t *testing.T) {
	_, err := NewString([]byte{0xff, 0xfe}).AsString()
	require.Error(t, err)
	var bad *InvalidUtf8StringError
	require.ErrorAs(t, err, &bad)
}

func TestCloneIsIndependent(t *testing.T) {
	original := NewDict([]DictEntry{{Key: []byte("k"), Value: NewString([]byte("v"))}})
	clone := original.Clone()
	original.Dict[0].Key[0] = 'X'
	require.Equal(t, "k", string(clone.Dict[0].Key))
}

func TestRawSpanCoversNestedValue(t *testing.T) {
	buf := []byte("d3:fool1:a1:bee")
	v, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	foo, ok := v.Get("foo")
	require.True(t, ok)
	require.Equal(t, "l1:a1:be", string(foo.Raw))
}
