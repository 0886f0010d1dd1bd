package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripNoExtension(t *testing.T) {
	p := &Packet{
		Type:       Data,
		ConnID:     0x1234,
		SendAt:     0xAABBCCDD,
		SendDelay:  42,
		WindowSize: 1 << 16,
		Seq:        7,
		Ack:        6,
		Payload:    []byte("hello"),
	}
	wire := Encode(p)
	require.Len(t, wire, 20+len(p.Payload))

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, p.Type, got.Type)
	require.Equal(t, p.ConnID, got.ConnID)
	require.Equal(t, p.SendAt, got.SendAt)
	require.Equal(t, p.SendDelay, got.SendDelay)
	require.Equal(t, p.WindowSize, got.WindowSize)
	require.Equal(t, p.Seq, got.Seq)
	require.Equal(t, p.Ack, got.Ack)
	require.Equal(t, p.Payload, got.Payload)
	require.Nil(t, got.SelectiveAck)
}

func TestEncodeDecodeRoundTripWithSelectiveAck(t *testing.T) {
	p := &Packet{
		Type:         State,
		ConnID:       1,
		Seq:          2,
		Ack:          3,
		SelectiveAck: []byte{0x05, 0x00, 0x00, 0x00}, // bits 0 and 2 set
		Payload:      nil,
	}
	wire := Encode(p)
	require.Len(t, wire, 20+2+4)

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, p.SelectiveAck, got.SelectiveAck)
	require.Empty(t, got.Payload)
}

func TestDecodeIncomplete(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeUnknownType(t *testing.T) {
	wire := make([]byte, 20)
	wire[0] = byte(Synchronize+1)<<4 | Version
	_, err := Decode(wire)
	require.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestDecodeBadVersion(t *testing.T) {
	wire := make([]byte, 20)
	wire[0] = byte(Data)<<4 | 2
	_, err := Decode(wire)
	require.ErrorIs(t, err, ErrExpectVersion)
}

func TestDecodeBadSelectiveAckSize(t *testing.T) {
	wire := make([]byte, 20)
	wire[0] = byte(Data)<<4 | Version
	wire[1] = extSelectiveAck
	wire = append(wire, extEnd, 3, 0, 0, 0) // length 3 is not a multiple of 4
	_, err := Decode(wire)
	require.ErrorIs(t, err, ErrExpectSelectiveAckSize)
}

func TestDecodeUnknownExtension(t *testing.T) {
	wire := make([]byte, 20)
	wire[0] = byte(Data)<<4 | Version
	wire[1] = 99
	wire = append(wire, extEnd, 0)
	_, err := Decode(wire)
	require.ErrorIs(t, err, ErrUnknownExtension)
}

func TestSelectiveAckBitsAndEncodeRoundTrip(t *testing.T) {
	offsets := []int{0, 2, 9}
	mask := EncodeSelectiveAck(offsets)
	require.Equal(t, 4, len(mask)) // rounded up to a multiple of 4

	bits := SelectiveAckBits(mask)
	require.ElementsMatch(t, offsets, bits)
}

func TestEncodeSelectiveAckEmpty(t *testing.T) {
	require.Nil(t, EncodeSelectiveAck(nil))
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "DATA", Data.String())
	require.Equal(t, "FIN", Finish.String())
	require.Equal(t, "STATE", State.String())
	require.Equal(t, "RESET", Reset.String())
	require.Equal(t, "SYN", Synchronize.String())
	require.Equal(t, "Type(99)", Type(99).String())
}
