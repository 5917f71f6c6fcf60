package tnet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// CipherKind selects the wire encryption negotiated in Phase A of the
// handshake. A socket with CipherNone sends frames as plain JSON; a socket
// with CipherAES256GCM wraps each frame's payload in an AEAD seal.
type CipherKind uint8

const (
	CipherNone CipherKind = iota
	CipherAES256GCM
)

func (k CipherKind) String() string {
	switch k {
	case CipherNone:
		return "none"
	case CipherAES256GCM:
		return "aes-256-gcm"
	default:
		return "unknown"
	}
}

// x25519KeyPair is an ephemeral Diffie-Hellman key pair used once per
// handshake to derive a connection's cipher key.
type x25519KeyPair struct {
	private [32]byte
	public  [32]byte
}

func newX25519KeyPair() (*x25519KeyPair, error) {
	var kp x25519KeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("tnet: generate x25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return &kp, nil
}

// sharedSecret performs the ECDH step, rejecting the all-zero result that
// a malicious or degenerate peer public key can produce.
func (kp *x25519KeyPair) sharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var secret [32]byte
	curve25519.ScalarMult(&secret, &kp.private, &peerPublic)
	var zero [32]byte
	if secret == zero {
		return secret, fmt.Errorf("tnet: x25519 produced a degenerate shared secret")
	}
	return secret, nil
}

// validateX25519PublicKey rejects the known weak points on the curve before
// they are ever fed into ScalarMult.
func validateX25519PublicKey(pub [32]byte) bool {
	var zero, allOnes [32]byte
	for i := range allOnes {
		allOnes[i] = 0xff
	}
	return pub != zero && pub != allOnes
}

// deriveCipherKeys runs HKDF-SHA256 over the ECDH shared secret and splits
// the output into independent client-to-server and server-to-client keys so
// neither direction ever reuses the other's nonce space under the same key.
func deriveCipherKeys(secret [32]byte, salt []byte) (c2s, s2c [32]byte, err error) {
	reader := hkdf.New(newSHA256, secret[:], salt, []byte("tnet handshake v1"))
	if _, err = io.ReadFull(reader, c2s[:]); err != nil {
		return c2s, s2c, fmt.Errorf("tnet: hkdf derive c2s key: %w", err)
	}
	if _, err = io.ReadFull(reader, s2c[:]); err != nil {
		return c2s, s2c, fmt.Errorf("tnet: hkdf derive s2c key: %w", err)
	}
	return c2s, s2c, nil
}

// cipherState holds the AEAD used to seal outgoing frames and open incoming
// ones on a single socket, along with the monotonic nonce counters the
// data model requires: nonce-counter-send and nonce-counter-recv. Reusing a
// counter value under the same key would be a catastrophic nonce reuse, so
// Seal/Open always advance their own counter and never accept a peer-chosen
// nonce.
type cipherState struct {
	kind CipherKind

	sealAEAD cipher.AEAD
	openAEAD cipher.AEAD

	sendCounter uint64
	recvCounter atomic.Uint64
}

// newCipherState builds the per-direction AEADs from a pair of derived keys
// and which role this side played in the handshake.
func newCipherState(kind CipherKind, c2s, s2c [32]byte, isClient bool) (*cipherState, error) {
	if kind == CipherNone {
		return &cipherState{kind: CipherNone}, nil
	}
	sealKey, openKey := s2c, c2s
	if isClient {
		sealKey, openKey = c2s, s2c
	}
	sealBlock, err := aes.NewCipher(sealKey[:])
	if err != nil {
		return nil, fmt.Errorf("tnet: %w: %v", ErrEncrypt, err)
	}
	sealAEAD, err := cipher.NewGCM(sealBlock)
	if err != nil {
		return nil, fmt.Errorf("tnet: %w: %v", ErrEncrypt, err)
	}
	openBlock, err := aes.NewCipher(openKey[:])
	if err != nil {
		return nil, fmt.Errorf("tnet: %w: %v", ErrDecrypt, err)
	}
	openAEAD, err := cipher.NewGCM(openBlock)
	if err != nil {
		return nil, fmt.Errorf("tnet: %w: %v", ErrDecrypt, err)
	}
	return &cipherState{kind: kind, sealAEAD: sealAEAD, openAEAD: openAEAD}, nil
}

func nonceFromCounter(nonceSize int, counter uint64) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], counter)
	return nonce
}

// seal encrypts plaintext for the wire, advancing the send counter. The
// counter is sent alongside the ciphertext implicitly: both peers track it
// independently since frames arrive strictly in order on a TCP stream.
func (c *cipherState) seal(plaintext []byte) ([]byte, error) {
	if c.kind == CipherNone {
		return plaintext, nil
	}
	nonce := nonceFromCounter(c.sealAEAD.NonceSize(), c.sendCounter)
	c.sendCounter++
	return c.sealAEAD.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts a frame received in order, advancing the receive counter.
func (c *cipherState) open(ciphertext []byte) ([]byte, error) {
	if c.kind == CipherNone {
		return ciphertext, nil
	}
	nonce := nonceFromCounter(c.openAEAD.NonceSize(), c.recvCounter.Add(1)-1)
	plaintext, err := c.openAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("tnet: %w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
