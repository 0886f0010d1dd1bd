// Package bencode implements a bencode value tree that, unlike a plain
// struct-tag marshaler, retains the exact source byte range each nested
// value spans. That range lets a caller hash an "info" dictionary's
// original encoding instead of a re-serialization, which must
// byte-for-byte match what the peer that sent us the torrent hashed.
//
// Struct-tag marshaling of fixed-shape messages (KRPC dictionaries,
// extension handshakes) is left to github.com/zeebo/bencode; this
// package additionally handles BEP 9 metadata messages, which need to
// know exactly how many bytes the leading dict consumed so the trailing
// raw piece payload can be split off without being bencode-escaped.
package bencode

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// Kind discriminates the four bencode value shapes.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindList
	KindDict
)

// DictEntry is one key/value pair of a Dict value. Entries decoded off the
// wire keep the order they were seen in; Encode re-sorts a copy before
// emitting, per BEP 3's canonical ordering requirement.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Value is a decoded bencode value. Str/List/Dict/Raw are slices into the
// buffer Decode was called with when the value came from Decode (the
// "borrowed" form); call Clone to obtain an "owned" value backed by
// independent buffers, safe to retain past the lifetime of the source
// buffer.
type Value struct {
	Kind Kind
	Str  []byte
	Int  int64
	List []Value
	Dict []DictEntry

	// Raw is the exact source bytes this value spans, including any
	// nested structure. It is nil for values built programmatically
	// (e.g. via NewDict) rather than decoded.
	Raw []byte
}

func NewString(s []byte) Value { return Value{Kind: KindString, Str: s} }
func NewInt(i int64) Value     { return Value{Kind: KindInteger, Int: i} }
func NewList(l []Value) Value  { return Value{Kind: KindList, List: l} }
func NewDict(d []DictEntry) Value {
	return Value{Kind: KindDict, Dict: d}
}

// Clone returns an owned, independent copy of v: every byte slice is
// copied into a fresh allocation and Raw is dropped, since a programmatic
// copy no longer corresponds to any single source span.
func (v Value) Clone() Value {
	out := Value{Kind: v.Kind, Int: v.Int}
	if v.Str != nil {
		out.Str = append([]byte(nil), v.Str...)
	}
	if v.List != nil {
		out.List = make([]Value, len(v.List))
		for i, e := range v.List {
			out.List[i] = e.Clone()
		}
	}
	if v.Dict != nil {
		out.Dict = make([]DictEntry, len(v.Dict))
		for i, e := range v.Dict {
			out.Dict[i] = DictEntry{Key: append([]byte(nil), e.Key...), Value: e.Value.Clone()}
		}
	}
	return out
}

// Get returns the value stored under key in a dict, and whether it was
// found.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// MissingDictionaryKeyError is returned by MustRemove when key isn't
// present.
type MissingDictionaryKeyError struct{ Key string }

func (e *MissingDictionaryKeyError) Error() string {
	return fmt.Sprintf("bencode: missing dictionary key %q", e.Key)
}

// MustRemove returns the value under key and a copy of v with that entry
// removed, or a *MissingDictionaryKeyError if key is absent. Named after
// the teacher's pattern of destructively consuming known metainfo fields
// one at a time while validating the rest is well-formed.
func (v Value) MustRemove(key string) (Value, Value, error) {
	for i, e := range v.Dict {
		if string(e.Key) == key {
			rest := make([]DictEntry, 0, len(v.Dict)-1)
			rest = append(rest, v.Dict[:i]...)
			rest = append(rest, v.Dict[i+1:]...)
			return e.Value, Value{Kind: KindDict, Dict: rest}, nil
		}
	}
	return Value{}, v, &MissingDictionaryKeyError{Key: key}
}

// InvalidIntegerError is returned when a value that was expected to
// coerce to an integer doesn't (wrong kind).
type InvalidIntegerError struct{ Kind Kind }

func (e *InvalidIntegerError) Error() string {
	return fmt.Sprintf("bencode: value of kind %d is not an integer", e.Kind)
}

// AsInt coerces v to an int64, failing if v isn't KindInteger.
func (v Value) AsInt() (int64, error) {
	if v.Kind != KindInteger {
		return 0, &InvalidIntegerError{Kind: v.Kind}
	}
	return v.Int, nil
}

// InvalidUtf8StringError is returned when a byte string is requested as
// text but isn't valid UTF-8.
type InvalidUtf8StringError struct{ Bytes []byte }

func (e *InvalidUtf8StringError) Error() string {
	return fmt.Sprintf("bencode: byte string is not valid utf-8: %q", e.Bytes)
}

// AsString coerces v to a UTF-8 string, failing if v isn't KindString or
// isn't valid UTF-8.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", &InvalidIntegerError{Kind: v.Kind}
	}
	if !utf8.Valid(v.Str) {
		return "", &InvalidUtf8StringError{Bytes: v.Str}
	}
	return string(v.Str), nil
}

// Encode appends the canonical bencode of v to dst: dict keys sorted
// byte-lexicographically, no whitespace, minimal integer representation.
func Encode(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindString:
		dst = appendInt(dst, int64(len(v.Str)))
		dst = append(dst, ':')
		dst = append(dst, v.Str...)
	case KindInteger:
		dst = append(dst, 'i')
		dst = appendInt(dst, v.Int)
		dst = append(dst, 'e')
	case KindList:
		dst = append(dst, 'l')
		for _, e := range v.List {
			dst = Encode(dst, e)
		}
		dst = append(dst, 'e')
	case KindDict:
		entries := append([]DictEntry(nil), v.Dict...)
		sort.Slice(entries, func(i, j int) bool {
			return string(entries[i].Key) < string(entries[j].Key)
		})
		dst = append(dst, 'd')
		for _, e := range entries {
			dst = Encode(dst, NewString(e.Key))
			dst = Encode(dst, e.Value)
		}
		dst = append(dst, 'e')
	}
	return dst
}

func appendInt(dst []byte, i int64) []byte {
	return append(dst, []byte(fmt.Sprintf("%d", i))...)
}

// Marshal is a convenience wrapper around Encode that returns a fresh
// buffer.
func Marshal(v Value) []byte {
	return Encode(nil, v)
}
