// Package relaycrypto implements the two authenticated wire structures the
// relay's hot path depends on: the per-packet Header and the
// backend-issued Route/Continue tokens.
package relaycrypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PrivateKeySize is the size of a session's per-direction AEAD key.
const PrivateKeySize = chacha20poly1305.KeySize // 32

// PlaintextHeaderLen is the unauthenticated prefix: type(1) + sequence(8) +
// session_id(8) + session_version(1).
const PlaintextHeaderLen = 1 + 8 + 8 + 1

// HeaderLen is the full signed header: plaintext prefix plus a 16-byte
// Poly1305 tag.
const HeaderLen = PlaintextHeaderLen + chacha20poly1305.Overhead

// direction/type bits live in the top two bits of Sequence.
const (
	directionBit   = uint64(1) << 63
	responseBit    = uint64(1) << 62
	sequenceBits   = directionBit | responseBit
	cleanSeqMask   = ^sequenceBits
	DirectionC2S   = 0
	DirectionS2C   = 1
	ResponseFamily = 1
	DataFamily     = 0
)

// PacketType enumerates the leading byte of every relay datagram.
type PacketType uint8

const (
	PacketRouteRequest     PacketType = 1
	PacketRouteResponse    PacketType = 2
	PacketClientToServer   PacketType = 3
	PacketServerToClient   PacketType = 4
	PacketSessionPing      PacketType = 5
	PacketSessionPong      PacketType = 6
	PacketContinueRequest  PacketType = 7
	PacketContinueResponse PacketType = 8
	PacketRelayPing        PacketType = 11
	PacketRelayPong        PacketType = 12
	PacketNearPing         PacketType = 73
	PacketNearPong         PacketType = 74
)

// headerTypeBits records, for every packet type that carries a Header, the
// required direction and response/ping-family bit. Types not listed here
// carry no Header at all: RouteRequest and ContinueRequest carry only a
// stripped token, and relay/near ping-pong carry neither a Header nor a
// token.
var headerTypeBits = map[PacketType][2]int{
	PacketRouteResponse:    {DirectionS2C, ResponseFamily},
	PacketClientToServer:   {DirectionC2S, DataFamily},
	PacketServerToClient:   {DirectionS2C, DataFamily},
	PacketSessionPing:      {DirectionC2S, ResponseFamily},
	PacketSessionPong:      {DirectionS2C, ResponseFamily},
	PacketContinueResponse: {DirectionS2C, ResponseFamily},
}

// Header is the authenticated per-packet header: type, sequence, session
// identity.
type Header struct {
	Type           PacketType
	Sequence       uint64 // carries the direction/response bits in its top 2 bits
	SessionID      uint64
	SessionVersion uint8
}

// CleanSequence masks off the direction and response/ping-family bits,
// yielding the sequence number used for replay protection.
func (h Header) CleanSequence() uint64 {
	return h.Sequence & cleanSeqMask
}

// EncodeSequence combines a clean sequence number with the direction and
// response-family bits required for typ, failing if typ carries no Header.
func EncodeSequence(typ PacketType, clean uint64) (uint64, error) {
	bits, ok := headerTypeBits[typ]
	if !ok {
		return 0, fmt.Errorf("relaycrypto: packet type %d does not use a header", typ)
	}
	seq := clean & cleanSeqMask
	if bits[0] == DirectionS2C {
		seq |= directionBit
	}
	if bits[1] == ResponseFamily {
		seq |= responseBit
	}
	return seq, nil
}

// checkDirectionBits verifies that h.Sequence's top two bits match what
// the design mandates for h.Type, rejecting the packet otherwise.
func checkDirectionBits(h Header) error {
	bits, ok := headerTypeBits[h.Type]
	if !ok {
		return fmt.Errorf("relaycrypto: unknown header packet type %d", h.Type)
	}
	gotDir := 0
	if h.Sequence&directionBit != 0 {
		gotDir = DirectionS2C
	}
	gotResp := 0
	if h.Sequence&responseBit != 0 {
		gotResp = ResponseFamily
	}
	if gotDir != bits[0] || gotResp != bits[1] {
		return fmt.Errorf("relaycrypto: direction/type bit mismatch for packet type %d", h.Type)
	}
	return nil
}

// buildNonce constructs the 12-byte ChaCha20-Poly1305 IETF nonce: 4 zero
// bytes followed by the 8-byte sequence.
func buildNonce(sequence uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(sequence >> (8 * i))
	}
	return nonce
}

// WriteHeader serializes h and appends a 16-byte AEAD tag computed over the
// last 9 plaintext bytes (session_id || session_version) as associated
// data, using key as the ChaCha20-Poly1305 key. Encryption is a no-op on
// the (zero-length) ciphertext; only the tag is produced, purely to
// authenticate the plaintext header fields.
func WriteHeader(h Header, key *[PrivateKeySize]byte) ([]byte, error) {
	if err := checkDirectionBits(h); err != nil {
		return nil, err
	}

	buf := make([]byte, PlaintextHeaderLen, HeaderLen)
	buf[0] = byte(h.Type)
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(h.Sequence >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[9+i] = byte(h.SessionID >> (8 * i))
	}
	buf[17] = h.SessionVersion

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: create aead: %w", err)
	}

	nonce := buildNonce(h.Sequence)
	associatedData := buf[9:18]
	tag := aead.Seal(nil, nonce[:], nil, associatedData)

	return append(buf, tag...), nil
}

// PeekIdentity reads the session_id and session_version out of a Header's
// plaintext prefix without verifying the AEAD tag. Handlers need this to
// find which session's key to verify the packet against, before
// authentication is possible.
func PeekIdentity(buf []byte) (sessionID uint64, sessionVersion uint8, ok bool) {
	if len(buf) < PlaintextHeaderLen {
		return 0, 0, false
	}
	for i := 0; i < 8; i++ {
		sessionID |= uint64(buf[9+i]) << (8 * i)
	}
	return sessionID, buf[17], true
}

// PeekSequence reads the raw (unauthenticated) sequence field, top bits
// included, out of a Header's plaintext prefix.
func PeekSequence(buf []byte) (sequence uint64, ok bool) {
	if len(buf) < PlaintextHeaderLen {
		return 0, false
	}
	for i := 0; i < 8; i++ {
		sequence |= uint64(buf[1+i]) << (8 * i)
	}
	return sequence, true
}

// VerifyHeader checks direction/type bits and the AEAD tag, returning the
// decoded Header on success.
func VerifyHeader(buf []byte, key *[PrivateKeySize]byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("relaycrypto: header too short: %d bytes", len(buf))
	}

	h := Header{
		Type: PacketType(buf[0]),
	}
	for i := 0; i < 8; i++ {
		h.Sequence |= uint64(buf[1+i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		h.SessionID |= uint64(buf[9+i]) << (8 * i)
	}
	h.SessionVersion = buf[17]

	if err := checkDirectionBits(h); err != nil {
		return Header{}, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Header{}, fmt.Errorf("relaycrypto: create aead: %w", err)
	}

	nonce := buildNonce(h.Sequence)
	associatedData := buf[9:18]
	wantTag := aead.Seal(nil, nonce[:], nil, associatedData)
	gotTag := buf[18:HeaderLen]
	if subtle.ConstantTimeCompare(wantTag, gotTag) != 1 {
		return Header{}, fmt.Errorf("relaycrypto: header authentication failed")
	}

	return h, nil
}
