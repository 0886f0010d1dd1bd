package mse

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"io"
	"math/big"
)

// vc is the 8-byte all-zero verification constant BEP 8 uses to confirm
// the RC4 keystream is correctly synchronized before the crypto_provide
// field.
var vc = make([]byte, 8)

// Result is the outcome of a completed handshake: the selected cipher
// and, if RC4, the two keyed streams (Read for bytes from the peer,
// Write for bytes to the peer).
type Result struct {
	Cipher     CryptoMethod
	ReadStream *rc4.Cipher
	WriteStream *rc4.Cipher
	// InitialPayload is the "ia" (initial payload, e.g. the BitTorrent
	// handshake) the acceptor decrypted out of the initiator's first
	// flight, or nil for the initiator side.
	InitialPayload []byte
}

func randPadding(max int) ([]byte, error) {
	nBig, err := rand.Int(rand.Reader, big.NewInt(int64(max+1)))
	if err != nil {
		return nil, err
	}
	n := int(nBig.Int64())
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Initiate runs the initiator side of the MSE handshake over rw,
// offering provide as the acceptable ciphers and ia as the plaintext
// payload (typically the BitTorrent handshake) to forward once the
// stream is keyed.
func Initiate(rw io.ReadWriter, infoHash []byte, provide CryptoMethod, ia []byte) (*Result, error) {
	kp, err := NewKeyPair(rand.Read)
	if err != nil {
		return nil, err
	}
	padA, err := randPadding(PadMax)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(append(kp.PublicKeyBytes(), padA...)); err != nil {
		return nil, err
	}

	peerPub := make([]byte, 96)
	if _, err := io.ReadFull(rw, peerPub); err != nil {
		return nil, err
	}
	s := kp.SharedSecret(peerPub)

	h1 := Hash1(s)
	h2 := Hash2(infoHash, s)

	keyA, keyB := RC4Keys(s, infoHash)
	sendStream, err := NewRC4Stream(keyA)
	if err != nil {
		return nil, err
	}
	recvStream, err := NewRC4Stream(keyB)
	if err != nil {
		return nil, err
	}

	padC, err := randPadding(PadMax)
	if err != nil {
		return nil, err
	}
	plain := new(bytes.Buffer)
	plain.Write(vc)
	var provideBuf [4]byte
	binary.BigEndian.PutUint32(provideBuf[:], uint32(provide))
	plain.Write(provideBuf[:])
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(padC)))
	plain.Write(lenBuf[:])
	plain.Write(padC)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ia)))
	plain.Write(lenBuf[:])
	plain.Write(ia)

	encrypted := make([]byte, plain.Len())
	sendStream.XORKeyStream(encrypted, plain.Bytes())

	out := append(append([]byte{}, h1...), h2...)
	out = append(out, encrypted...)
	if _, err := rw.Write(out); err != nil {
		return nil, err
	}

	// Read the acceptor's crypto_select + len(pad_d) + pad_d.
	head := make([]byte, 6)
	if _, err := io.ReadFull(rw, head); err != nil {
		return nil, err
	}
	decHead := make([]byte, 6)
	recvStream.XORKeyStream(decHead, head)
	selected := CryptoMethod(binary.BigEndian.Uint32(decHead[:4]))
	padDLen := binary.BigEndian.Uint16(decHead[4:6])
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := io.ReadFull(rw, padD); err != nil {
			return nil, err
		}
		discard := make([]byte, padDLen)
		recvStream.XORKeyStream(discard, padD)
	}

	res := &Result{Cipher: selected}
	if selected == CryptoRC4 {
		res.ReadStream = recvStream
		res.WriteStream = sendStream
	}
	return res, nil
}

// knownInfoHash is the acceptor's lookup: given the shared secret S it
// derived from a candidate public key and the peer's, try each known
// info hash's hash2 against what the peer sent.
type knownInfoHash func(s, receivedHash2 []byte) (infoHash []byte, ok bool)

// Accept runs the acceptor side: resynchronizes on hash1, verifies
// hash2 against lookup's candidates, decrypts the tail and picks a
// cipher from crypto_provide.
func Accept(rw io.ReadWriter, lookup knownInfoHash) (*Result, error) {
	kp, err := NewKeyPair(rand.Read)
	if err != nil {
		return nil, err
	}
	padB, err := randPadding(PadMax)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(append(kp.PublicKeyBytes(), padB...)); err != nil {
		return nil, err
	}

	peerPub := make([]byte, 96)
	if _, err := io.ReadFull(rw, peerPub); err != nil {
		return nil, err
	}
	// The initiator's padding follows; we don't know its length, so the
	// resync scan below absorbs it while looking for hash1.
	s := kp.SharedSecret(peerPub)
	h1 := Hash1(s)

	if _, err := ResyncScan(rw, h1); err != nil {
		return nil, err
	}

	h2 := make([]byte, 20)
	if _, err := io.ReadFull(rw, h2); err != nil {
		return nil, err
	}
	infoHash, ok := lookup(s, h2)
	if !ok {
		return nil, ErrHash2Mismatch
	}

	keyA, keyB := RC4Keys(s, infoHash)
	recvStream, err := NewRC4Stream(keyA)
	if err != nil {
		return nil, err
	}
	sendStream, err := NewRC4Stream(keyB)
	if err != nil {
		return nil, err
	}

	head := make([]byte, 8+4+2)
	if _, err := io.ReadFull(rw, head); err != nil {
		return nil, err
	}
	dec := make([]byte, len(head))
	recvStream.XORKeyStream(dec, head)
	provide := CryptoMethod(binary.BigEndian.Uint32(dec[8:12]))
	padCLen := binary.BigEndian.Uint16(dec[12:14])

	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(rw, padC); err != nil {
			return nil, err
		}
		discard := make([]byte, padCLen)
		recvStream.XORKeyStream(discard, padC)
	}

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(rw, lenBuf); err != nil {
		return nil, err
	}
	decLen := make([]byte, 2)
	recvStream.XORKeyStream(decLen, lenBuf)
	iaLen := binary.BigEndian.Uint16(decLen)

	var ia []byte
	if iaLen > 0 {
		encIA := make([]byte, iaLen)
		if _, err := io.ReadFull(rw, encIA); err != nil {
			return nil, err
		}
		ia = make([]byte, iaLen)
		recvStream.XORKeyStream(ia, encIA)
	}

	selected, err := SelectCipher(provide)
	if err != nil {
		return nil, err
	}

	padD, err := randPadding(PadMax)
	if err != nil {
		return nil, err
	}
	reply := new(bytes.Buffer)
	var selBuf [4]byte
	binary.BigEndian.PutUint32(selBuf[:], uint32(selected))
	reply.Write(selBuf[:])
	var lenD [2]byte
	binary.BigEndian.PutUint16(lenD[:], uint16(len(padD)))
	reply.Write(lenD[:])
	reply.Write(padD)

	encReply := make([]byte, reply.Len())
	sendStream.XORKeyStream(encReply, reply.Bytes())
	if _, err := rw.Write(encReply); err != nil {
		return nil, err
	}

	res := &Result{Cipher: selected, InitialPayload: ia}
	if selected == CryptoRC4 {
		res.ReadStream = recvStream
		res.WriteStream = sendStream
	}
	return res, nil
}
