// Package mse implements BitTorrent Message Stream Encryption (BEP 8):
// the Diffie-Hellman key exchange, the hash1/hash2 handshake, and the
// RC4 stream cipher negotiation, per spec §4.6.
package mse

import (
	"bytes"
	"crypto/rc4"
	"crypto/sha1"
	"errors"
	"io"
	"math/big"
)

// CryptoMethod is the negotiated cipher.
type CryptoMethod uint32

const (
	CryptoPlaintext CryptoMethod = 1 << 0
	CryptoRC4       CryptoMethod = 1 << 1
)

// PadMax bounds the random padding each side appends after its public
// key, and the resynchronization scan ceiling below.
const PadMax = 512

// resyncCeiling is the attack-resistance bound from spec §4.6: a
// resynchronize scan that hasn't found hash1 within this many bytes
// fails deterministically.
const resyncCeiling = 520 + PadMax

var (
	// ErrResyncFailed is returned when the acceptor's scan for hash1
	// exceeds resyncCeiling without a match.
	ErrResyncFailed = errors.New("mse: resynchronization failed")
	// ErrHash2Mismatch means the acceptor's computed hash2 doesn't match
	// what the initiator sent, i.e. the info hash is unknown.
	ErrHash2Mismatch = errors.New("mse: hash2 mismatch")
	// ErrNoCommonCipher is returned when crypto_provide/crypto_select
	// share no common method.
	ErrNoCommonCipher = errors.New("mse: no common cipher")
)

// p768, g are BEP 8's 768-bit safe prime and generator.
var (
	p768, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7"+
			"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14"+
			"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B"+
			"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163"+
			"BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208"+
			"552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E"+
			"36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF69"+
			"55817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFF"+
			"FFFFFFFF", 16)
	g = big.NewInt(2)
)

// KeyPair is one side's ephemeral DH secret and its public key.
type KeyPair struct {
	secret *big.Int
	Public *big.Int
}

// NewKeyPair draws a random 160-bit secret x and computes g^x mod P.
func NewKeyPair(randSecret func([]byte) (int, error)) (*KeyPair, error) {
	b := make([]byte, 20)
	if _, err := randSecret(b); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(b)
	if x.Sign() == 0 {
		x = big.NewInt(1)
	}
	pub := new(big.Int).Exp(g, x, p768)
	return &KeyPair{secret: x, Public: pub}, nil
}

// PublicKeyBytes encodes the public key as the fixed 96-byte big-endian
// form the wire uses.
func (k *KeyPair) PublicKeyBytes() []byte {
	return fixedBytes(k.Public, 96)
}

func fixedBytes(n *big.Int, size int) []byte {
	b := n.Bytes()
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// SharedSecret computes this side's view of S = peerPublic^secret mod P.
func (k *KeyPair) SharedSecret(peerPublic []byte) []byte {
	y := new(big.Int).SetBytes(peerPublic)
	s := new(big.Int).Exp(y, k.secret, p768)
	return fixedBytes(s, 96)
}

func sha1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Hash1 is SHA1("req1" || S), the acceptor's resynchronization anchor.
func Hash1(s []byte) []byte { return sha1Sum([]byte("req1"), s) }

// Hash2 is SHA1("req2" || infoHash) XOR SHA1("req3" || S), confirming
// both sides agree on S and the info hash without revealing it in the
// clear.
func Hash2(infoHash, s []byte) []byte {
	a := sha1Sum([]byte("req2"), infoHash)
	b := sha1Sum([]byte("req3"), s)
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// RC4Keys derives the initiator->acceptor and acceptor->initiator
// keystream keys from S and the info hash.
func RC4Keys(s, infoHash []byte) (keyA, keyB []byte) {
	keyA = sha1Sum([]byte("keyA"), s, infoHash)
	keyB = sha1Sum([]byte("keyB"), s, infoHash)
	return keyA, keyB
}

// NewRC4Stream builds an RC4 cipher keyed by key and discards the first
// 1024 bytes of keystream, per spec §4.6.
func NewRC4Stream(key []byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	discard := make([]byte, 1024)
	c.XORKeyStream(discard, discard)
	return c, nil
}

// ResyncScan reads from r looking for needle (hash1), consuming at most
// resyncCeiling bytes. On success it returns the matched window (equal to
// the needle), the stream positioned just after it; on failure it returns
// ErrResyncFailed having consumed the whole ceiling.
func ResyncScan(r io.Reader, needle []byte) ([]byte, error) {
	window := make([]byte, 0, len(needle))
	var consumed int
	one := make([]byte, 1)
	for consumed < resyncCeiling {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		consumed++
		window = append(window, one[0])
		if len(window) > len(needle) {
			window = window[len(window)-len(needle):]
		}
		if len(window) == len(needle) && bytes.Equal(window, needle) {
			return window, nil
		}
	}
	return nil, ErrResyncFailed
}

// SelectCipher picks RC4 if offered, otherwise plaintext, per spec §4.6.
func SelectCipher(provide CryptoMethod) (CryptoMethod, error) {
	if provide&CryptoRC4 != 0 {
		return CryptoRC4, nil
	}
	if provide&CryptoPlaintext != 0 {
		return CryptoPlaintext, nil
	}
	return 0, ErrNoCommonCipher
}
