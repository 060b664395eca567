package relaycrypto

import (
	"crypto/rand"
	"net"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/networknext/next-sub003/internal/wire"
)

func mustKeyPair(t *testing.T) (pub, priv *[KeySize]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("box.GenerateKey: %v", err)
	}
	return pub, priv
}

func TestRouteTokenSizesMatchSpec(t *testing.T) {
	if RouteTokenPlaintextLen != 76 {
		t.Fatalf("RouteTokenPlaintextLen = %d, want 76", RouteTokenPlaintextLen)
	}
	if RouteTokenSignedLen != 116 {
		t.Fatalf("RouteTokenSignedLen = %d, want 116", RouteTokenSignedLen)
	}
	if ContinueTokenPlaintextLen != 17 {
		t.Fatalf("ContinueTokenPlaintextLen = %d, want 17", ContinueTokenPlaintextLen)
	}
	if ContinueTokenSignedLen != 57 {
		t.Fatalf("ContinueTokenSignedLen = %d, want 57", ContinueTokenSignedLen)
	}
}

func TestRouteTokenRoundTrip(t *testing.T) {
	backendPub, backendPriv := mustKeyPair(t)
	relayPub, relayPriv := mustKeyPair(t)

	want := RouteToken{
		ExpireTimestamp: 1000,
		SessionID:       0x0102030405060708,
		SessionVersion:  1,
		KbpsUp:          512,
		KbpsDown:        1024,
		NextAddr:        wire.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 40000}),
	}
	for i := range want.PrivateKey {
		want.PrivateKey[i] = byte(i)
	}

	envelope, err := WriteEncryptedRouteToken(want, backendPriv, relayPub)
	if err != nil {
		t.Fatalf("WriteEncryptedRouteToken: %v", err)
	}
	if len(envelope) != RouteTokenSignedLen {
		t.Fatalf("envelope length = %d, want %d", len(envelope), RouteTokenSignedLen)
	}

	got, err := ReadEncryptedRouteToken(envelope, backendPub, relayPriv)
	if err != nil {
		t.Fatalf("ReadEncryptedRouteToken: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRouteTokenRejectsTamperedEnvelope(t *testing.T) {
	backendPub, backendPriv := mustKeyPair(t)
	relayPub, relayPriv := mustKeyPair(t)

	token := RouteToken{ExpireTimestamp: 1, SessionID: 2, SessionVersion: 0, KbpsUp: 1, KbpsDown: 1}
	envelope, err := WriteEncryptedRouteToken(token, backendPriv, relayPub)
	if err != nil {
		t.Fatalf("WriteEncryptedRouteToken: %v", err)
	}

	envelope[len(envelope)-1] ^= 0xFF
	if _, err := ReadEncryptedRouteToken(envelope, backendPub, relayPriv); err == nil {
		t.Fatalf("ReadEncryptedRouteToken accepted a tampered envelope")
	}
}

func TestRouteTokenRejectsWrongKeyPair(t *testing.T) {
	backendPub, backendPriv := mustKeyPair(t)
	relayPub, relayPriv := mustKeyPair(t)
	otherPub, _ := mustKeyPair(t)
	_ = relayPub

	token := RouteToken{ExpireTimestamp: 1, SessionID: 2, SessionVersion: 0}
	envelope, err := WriteEncryptedRouteToken(token, backendPriv, otherPub)
	if err != nil {
		t.Fatalf("WriteEncryptedRouteToken: %v", err)
	}
	if _, err := ReadEncryptedRouteToken(envelope, backendPub, relayPriv); err == nil {
		t.Fatalf("ReadEncryptedRouteToken accepted a token sealed for a different recipient")
	}
}

func TestContinueTokenRoundTrip(t *testing.T) {
	backendPub, backendPriv := mustKeyPair(t)
	relayPub, relayPriv := mustKeyPair(t)

	want := ContinueToken{ExpireTimestamp: 5000, SessionID: 0xFF00FF00FF00FF00, SessionVersion: 9}

	envelope, err := WriteEncryptedContinueToken(want, backendPriv, relayPub)
	if err != nil {
		t.Fatalf("WriteEncryptedContinueToken: %v", err)
	}
	if len(envelope) != ContinueTokenSignedLen {
		t.Fatalf("envelope length = %d, want %d", len(envelope), ContinueTokenSignedLen)
	}

	got, err := ReadEncryptedContinueToken(envelope, backendPub, relayPriv)
	if err != nil {
		t.Fatalf("ReadEncryptedContinueToken: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestExpired(t *testing.T) {
	if Expired(100, 99) {
		t.Fatalf("token with expiry 100 should not be expired at time 99")
	}
	if !Expired(100, 100) {
		t.Fatalf("token with expiry 100 should be expired at time 100 (<=)")
	}
	if !Expired(100, 101) {
		t.Fatalf("token with expiry 100 should be expired at time 101")
	}
}

func TestHashXorsSessionIDAndVersion(t *testing.T) {
	if Hash(10, 0) != 10 {
		t.Fatalf("Hash(10,0) = %d, want 10", Hash(10, 0))
	}
	if Hash(10, 1) != 11 {
		t.Fatalf("Hash(10,1) = %d, want 11", Hash(10, 1))
	}
}
