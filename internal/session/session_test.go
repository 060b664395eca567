package session

import (
	"net"
	"testing"

	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/wire"
)

// checkAndAdvanceClientToServer and checkAndAdvanceServerToClient mirror how
// the data-packet handlers use the split duplicate-check/advance pair: peek
// before authenticating, advance only once the packet is verified.
func checkAndAdvanceClientToServer(s *Session, clean uint64) (duplicate bool) {
	if s.ClientToServerDuplicate(clean) {
		return true
	}
	s.AdvanceClientToServerWindow(clean)
	return false
}

func checkAndAdvanceServerToClient(s *Session, clean uint64) (duplicate bool) {
	if s.ServerToClientDuplicate(clean) {
		return true
	}
	s.AdvanceServerToClientWindow(clean)
	return false
}

func sampleRouteToken() relaycrypto.RouteToken {
	return relaycrypto.RouteToken{
		ExpireTimestamp: 1000,
		SessionID:       42,
		SessionVersion:  1,
		KbpsUp:          100,
		KbpsDown:        200,
		NextAddr:        wire.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40000}),
	}
}

func TestNewFromRouteTokenPopulatesFields(t *testing.T) {
	source := wire.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 50000})
	token := sampleRouteToken()

	s := NewFromRouteToken(token, source)
	if s.SessionID != token.SessionID || s.SessionVersion != token.SessionVersion {
		t.Fatalf("identity mismatch: got (%d,%d)", s.SessionID, s.SessionVersion)
	}
	prev, next := s.Addrs()
	if !prev.Equal(source) {
		t.Fatalf("prevAddr = %v, want source %v", prev, source)
	}
	if !next.Equal(token.NextAddr) {
		t.Fatalf("nextAddr = %v, want %v", next, token.NextAddr)
	}
	if s.Expired(999) {
		t.Fatalf("session should not be expired before its expiry")
	}
	if !s.Expired(1000) {
		t.Fatalf("session should be expired at its expiry timestamp")
	}
}

func TestClientToServerReplayDetection(t *testing.T) {
	s := NewFromRouteToken(sampleRouteToken(), wire.NoneAddress)

	if dup := checkAndAdvanceClientToServer(s, 1); dup {
		t.Fatalf("first sequence number must not be a duplicate")
	}
	if dup := checkAndAdvanceClientToServer(s, 1); !dup {
		t.Fatalf("repeating sequence number 1 must be detected as a duplicate")
	}
	if dup := checkAndAdvanceClientToServer(s, 2); dup {
		t.Fatalf("sequence number 2 must be accepted after 1")
	}
}

func TestReinstallRouteRefreshesWithoutResettingCounters(t *testing.T) {
	s := NewFromRouteToken(sampleRouteToken(), wire.NoneAddress)
	checkAndAdvanceClientToServer(s, 5)
	checkAndAdvanceServerToClient(s, 7)

	newToken := sampleRouteToken()
	newToken.ExpireTimestamp = 5000
	newSource := wire.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 9999})
	s.ReinstallRoute(newToken, newSource)

	if s.ExpireTimestamp() != 5000 {
		t.Fatalf("ExpireTimestamp = %d, want 5000", s.ExpireTimestamp())
	}
	// Reinstalling an existing session's route is idempotent: it must not
	// reset sequence counters or replay windows, so sequence 5 remains a
	// duplicate.
	if dup := checkAndAdvanceClientToServer(s, 5); !dup {
		t.Fatalf("sequence 5 should still be a duplicate after ReinstallRoute")
	}
	prev, _ := s.Addrs()
	if !prev.Equal(newSource) {
		t.Fatalf("prevAddr not refreshed by ReinstallRoute")
	}
}

func TestBareSequenceAcceptsStrictlyIncreasing(t *testing.T) {
	s := NewFromRouteToken(sampleRouteToken(), wire.NoneAddress)

	if !s.CheckBareSequence(true, 1) {
		t.Fatalf("first ping sequence must be accepted")
	}
	if s.CheckBareSequence(true, 1) {
		t.Fatalf("repeated ping sequence must be rejected")
	}
	if !s.CheckBareSequence(true, 2) {
		t.Fatalf("strictly increasing ping sequence must be accepted")
	}
}

func TestTableGetSetErase(t *testing.T) {
	tbl := NewTable()
	s := NewFromRouteToken(sampleRouteToken(), wire.NoneAddress)
	hash := s.Hash()

	if got := tbl.Get(hash); got != nil {
		t.Fatalf("expected no session before Set")
	}
	tbl.Set(hash, s)
	if got := tbl.Get(hash); got != s {
		t.Fatalf("Get did not return the session that was Set")
	}
	if tbl.Size() != 1 {
		t.Fatalf("Size = %d, want 1", tbl.Size())
	}
	if !tbl.Erase(hash) {
		t.Fatalf("Erase should report true for a present session")
	}
	if tbl.Erase(hash) {
		t.Fatalf("Erase should report false for an absent session")
	}
	if tbl.Size() != 0 {
		t.Fatalf("Size = %d, want 0 after erase", tbl.Size())
	}
}

func TestTablePurgeRemovesExpiredOnly(t *testing.T) {
	tbl := NewTable()

	expired := sampleRouteToken()
	expired.SessionID = 1
	expired.ExpireTimestamp = 100
	live := sampleRouteToken()
	live.SessionID = 2
	live.ExpireTimestamp = 10000

	se := NewFromRouteToken(expired, wire.NoneAddress)
	sl := NewFromRouteToken(live, wire.NoneAddress)
	tbl.Set(se.Hash(), se)
	tbl.Set(sl.Hash(), sl)

	removed := tbl.Purge(500)
	if removed != 1 {
		t.Fatalf("Purge removed %d sessions, want 1", removed)
	}
	if tbl.Get(se.Hash()) != nil {
		t.Fatalf("expired session should have been purged")
	}
	if tbl.Get(sl.Hash()) == nil {
		t.Fatalf("live session should not have been purged")
	}
}

func TestGetReturnsHandleValidAcrossErase(t *testing.T) {
	tbl := NewTable()
	s := NewFromRouteToken(sampleRouteToken(), wire.NoneAddress)
	hash := s.Hash()
	tbl.Set(hash, s)

	held := tbl.Get(hash)
	tbl.Erase(hash)

	// The handle obtained before Erase must remain usable.
	if dup := checkAndAdvanceClientToServer(held, 1); dup {
		t.Fatalf("handle obtained before Erase must remain usable")
	}
}
