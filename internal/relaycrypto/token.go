package relaycrypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/networknext/next-sub003/internal/wire"
)

// KeySize is the size of a Curve25519 public or private key, as used by
// nacl/box, the Go equivalent of libsodium's crypto_box_easy family.
const KeySize = 32

const (
	nonceSize = 24
	macSize   = box.Overhead // 16
)

// RouteTokenPlaintextLen is the serialized size of a RouteToken before
// encryption: expire_timestamp(8) + session_id(8) + session_version(1) +
// kbps_up(4) + kbps_down(4) + next_addr(19) + private_key(32) = 76. See
// DESIGN.md for why this field layout, not a round 73, is authoritative.
const RouteTokenPlaintextLen = 8 + 8 + 1 + 4 + 4 + wire.AddressSize + KeySize

// RouteTokenSignedLen is the full on-the-wire envelope: a 24-byte nonce
// followed by the encrypted-and-authenticated plaintext.
const RouteTokenSignedLen = nonceSize + RouteTokenPlaintextLen + macSize

// ContinueTokenPlaintextLen is expire_timestamp(8) + session_id(8) +
// session_version(1) = 17, matching the wire format exactly.
const ContinueTokenPlaintextLen = 8 + 8 + 1

// ContinueTokenSignedLen is the full on-the-wire envelope.
const ContinueTokenSignedLen = nonceSize + ContinueTokenPlaintextLen + macSize

// RouteToken is the backend-issued bearer that installs or refreshes a
// session.
type RouteToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	KbpsUp          uint32
	KbpsDown        uint32
	NextAddr        wire.Address
	PrivateKey      [PrivateKeySize]byte
}

// ContinueToken refreshes an existing session's expiry .
type ContinueToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
}

// Hash returns the session table key for (SessionID, SessionVersion), per
// the wire format: session_id XOR session_version.
func Hash(sessionID uint64, sessionVersion uint8) uint64 {
	return sessionID ^ uint64(sessionVersion)
}

func marshalRouteToken(t RouteToken) []byte {
	w := wire.NewWriter(RouteTokenPlaintextLen)
	w.PutUint64(t.ExpireTimestamp)
	w.PutUint64(t.SessionID)
	w.PutUint8(t.SessionVersion)
	w.PutUint32(t.KbpsUp)
	w.PutUint32(t.KbpsDown)
	buf := w.Bytes()
	idx := len(buf)
	buf = append(buf, make([]byte, wire.AddressSize)...)
	wire.WriteAddress(buf, &idx, t.NextAddr)
	buf = append(buf, t.PrivateKey[:]...)
	return buf
}

func unmarshalRouteToken(buf []byte) (RouteToken, bool) {
	if len(buf) != RouteTokenPlaintextLen {
		return RouteToken{}, false
	}
	r := wire.NewReader(buf)
	var t RouteToken
	var ok bool
	if t.ExpireTimestamp, ok = r.Uint64(); !ok {
		return RouteToken{}, false
	}
	if t.SessionID, ok = r.Uint64(); !ok {
		return RouteToken{}, false
	}
	sv, ok := r.Uint8()
	if !ok {
		return RouteToken{}, false
	}
	t.SessionVersion = sv
	if t.KbpsUp, ok = r.Uint32(); !ok {
		return RouteToken{}, false
	}
	if t.KbpsDown, ok = r.Uint32(); !ok {
		return RouteToken{}, false
	}
	idx := r.Offset()
	addr, ok := wire.ReadAddress(buf, &idx)
	if !ok {
		return RouteToken{}, false
	}
	t.NextAddr = addr
	if !r.Skip(wire.AddressSize) {
		return RouteToken{}, false
	}
	key, ok := r.Bytes(KeySize)
	if !ok {
		return RouteToken{}, false
	}
	copy(t.PrivateKey[:], key)
	return t, true
}

func marshalContinueToken(t ContinueToken) []byte {
	w := wire.NewWriter(ContinueTokenPlaintextLen)
	w.PutUint64(t.ExpireTimestamp)
	w.PutUint64(t.SessionID)
	w.PutUint8(t.SessionVersion)
	return w.Bytes()
}

func unmarshalContinueToken(buf []byte) (ContinueToken, bool) {
	if len(buf) != ContinueTokenPlaintextLen {
		return ContinueToken{}, false
	}
	r := wire.NewReader(buf)
	var t ContinueToken
	var ok bool
	if t.ExpireTimestamp, ok = r.Uint64(); !ok {
		return ContinueToken{}, false
	}
	if t.SessionID, ok = r.Uint64(); !ok {
		return ContinueToken{}, false
	}
	if t.SessionVersion, ok = r.Uint8(); !ok {
		return ContinueToken{}, false
	}
	return t, true
}

// sealToken builds the crypto_box_easy-style envelope: a random 24-byte
// nonce followed by the Curve25519-XSalsa20-Poly1305 sealed plaintext.
func sealToken(plaintext []byte, senderPrivateKey, receiverPublicKey *[KeySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("relaycrypto: generate nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+macSize)
	copy(out, nonce[:])
	out = box.Seal(out, plaintext, &nonce, receiverPublicKey, senderPrivateKey)
	return out, nil
}

// openToken reverses sealToken: it reads the leading 24-byte nonce and
// opens the remainder, returning the plaintext.
func openToken(envelope []byte, senderPublicKey, receiverPrivateKey *[KeySize]byte) ([]byte, error) {
	if len(envelope) < nonceSize+macSize {
		return nil, fmt.Errorf("relaycrypto: token envelope too short: %d bytes", len(envelope))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])
	plaintext, ok := box.Open(nil, envelope[nonceSize:], &nonce, senderPublicKey, receiverPrivateKey)
	if !ok {
		return nil, fmt.Errorf("relaycrypto: token authentication failed")
	}
	return plaintext, nil
}

// WriteEncryptedRouteToken seals t for receiverPublicKey. The relay itself
// never calls this in production (the backend does); it exists so the
// test suite can exercise ReadEncryptedRouteToken without a real backend.
func WriteEncryptedRouteToken(t RouteToken, senderPrivateKey, receiverPublicKey *[KeySize]byte) ([]byte, error) {
	return sealToken(marshalRouteToken(t), senderPrivateKey, receiverPublicKey)
}

// ReadEncryptedRouteToken decrypts and deserializes a route token produced
// by WriteEncryptedRouteToken (or the backend).
func ReadEncryptedRouteToken(envelope []byte, senderPublicKey, receiverPrivateKey *[KeySize]byte) (RouteToken, error) {
	plaintext, err := openToken(envelope, senderPublicKey, receiverPrivateKey)
	if err != nil {
		return RouteToken{}, err
	}
	t, ok := unmarshalRouteToken(plaintext)
	if !ok {
		return RouteToken{}, fmt.Errorf("relaycrypto: malformed route token plaintext")
	}
	return t, nil
}

// WriteEncryptedContinueToken seals t for receiverPublicKey.
func WriteEncryptedContinueToken(t ContinueToken, senderPrivateKey, receiverPublicKey *[KeySize]byte) ([]byte, error) {
	return sealToken(marshalContinueToken(t), senderPrivateKey, receiverPublicKey)
}

// ReadEncryptedContinueToken decrypts and deserializes a continue token.
func ReadEncryptedContinueToken(envelope []byte, senderPublicKey, receiverPrivateKey *[KeySize]byte) (ContinueToken, error) {
	plaintext, err := openToken(envelope, senderPublicKey, receiverPrivateKey)
	if err != nil {
		return ContinueToken{}, err
	}
	t, ok := unmarshalContinueToken(plaintext)
	if !ok {
		return ContinueToken{}, fmt.Errorf("relaycrypto: malformed continue token plaintext")
	}
	return t, nil
}

// Expired reports whether expireTimestamp has passed currentTime.
func Expired(expireTimestamp, currentTime uint64) bool {
	return expireTimestamp <= currentTime
}
