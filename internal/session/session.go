// Package session implements the concurrent session table keyed by
// (session_id, session_version) that every packet handler consults.
package session

import (
	"sync"

	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/replay"
	"github.com/networknext/next-sub003/internal/wire"
)

// Session holds the per-flow state installed by a route-request token and
// refreshed by continue-request tokens. SessionID and SessionVersion are
// immutable for the session's lifetime; everything else, including the
// AEAD key, is guarded by mu, since handlers on different worker cores may
// touch the same session concurrently.
type Session struct {
	SessionID      uint64
	SessionVersion uint8

	mu                       sync.Mutex
	privateKey               [relaycrypto.PrivateKeySize]byte
	expireTimestamp          uint64
	clientToServerSeq        uint64
	serverToClientSeq        uint64
	clientToServerProtection replay.Protection
	serverToClientProtection replay.Protection
	prevAddr                 wire.Address
	nextAddr                 wire.Address
	kbpsUp                   uint32
	kbpsDown                 uint32

	// pingClientSeq/pingServerSeq back the bare "seq > last_seen" check
	// SessionPing/SessionPong use instead of the full replay window.
	pingClientSeq  uint64
	pingServerSeq  uint64
	pingClientSeen bool
	pingServerSeen bool
}

// NewFromRouteToken builds a fresh Session from a decrypted route token and
// the packet's source address, with sequence counters and replay windows
// at their zero value.
func NewFromRouteToken(t relaycrypto.RouteToken, source wire.Address) *Session {
	s := &Session{
		SessionID:      t.SessionID,
		SessionVersion: t.SessionVersion,
		privateKey:     t.PrivateKey,
	}
	s.expireTimestamp = t.ExpireTimestamp
	s.prevAddr = source
	s.nextAddr = t.NextAddr
	s.kbpsUp = t.KbpsUp
	s.kbpsDown = t.KbpsDown
	return s
}

// Hash returns the session table key for s.
func (s *Session) Hash() uint64 {
	return relaycrypto.Hash(s.SessionID, s.SessionVersion)
}

// ReinstallRoute updates an already-existing session in place from a
// repeated or refreshed route request: expiry, addresses, budgets, and the
// AEAD key are all refreshed from the token, but sequence counters and
// replay windows are left untouched, making route installation idempotent
// for a session that already exists.
func (s *Session) ReinstallRoute(t relaycrypto.RouteToken, source wire.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireTimestamp = t.ExpireTimestamp
	s.prevAddr = source
	s.nextAddr = t.NextAddr
	s.kbpsUp = t.KbpsUp
	s.kbpsDown = t.KbpsDown
	s.privateKey = t.PrivateKey
}

// ExtendExpiry applies a continue token's refreshed expiry.
func (s *Session) ExtendExpiry(expireTimestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireTimestamp = expireTimestamp
}

// Expired reports whether the session has expired as of currentTime.
func (s *Session) Expired(currentTime uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return relaycrypto.Expired(s.expireTimestamp, currentTime)
}

// ExpireTimestamp returns the session's current expiry.
func (s *Session) ExpireTimestamp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireTimestamp
}

// Addrs returns the session's upstream and downstream endpoints.
func (s *Session) Addrs() (prev, next wire.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevAddr, s.nextAddr
}

// PrivateKey returns a copy of the session's current AEAD key, for header
// authentication.
func (s *Session) PrivateKey() [relaycrypto.PrivateKeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privateKey
}

// ClientToServerDuplicate reports whether clean would be rejected as a
// duplicate or out-of-window, without advancing the window. Data-packet
// handlers use this before authenticating a packet, so that a forged
// packet with a bad tag can never consume (and thereby poison) a
// legitimate sequence number's replay slot.
func (s *Session) ClientToServerDuplicate(clean uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientToServerProtection.AlreadyReceived(clean)
}

// AdvanceClientToServerWindow advances the client->server replay window and
// high-water sequence. Called only once a packet's header has authenticated
// successfully.
func (s *Session) AdvanceClientToServerWindow(clean uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientToServerProtection.Advance(clean)
	if clean > s.clientToServerSeq {
		s.clientToServerSeq = clean
	}
}

// ServerToClientDuplicate is the server->client counterpart of
// ClientToServerDuplicate.
func (s *Session) ServerToClientDuplicate(clean uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverToClientProtection.AlreadyReceived(clean)
}

// AdvanceServerToClientWindow is the server->client counterpart of
// AdvanceClientToServerWindow.
func (s *Session) AdvanceServerToClientWindow(clean uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverToClientProtection.Advance(clean)
	if clean > s.serverToClientSeq {
		s.serverToClientSeq = clean
	}
}

// ServerToClientSeq returns the highest server->client sequence observed so
// far. RouteResponse and ContinueResponse check this bare value before
// authenticating a response, and only advance it once authentication
// succeeds via AdvanceServerToClientSeq.
func (s *Session) ServerToClientSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverToClientSeq
}

// AdvanceServerToClientSeq raises the server->client high-water mark to
// clean if it is higher than the current value.
func (s *Session) AdvanceServerToClientSeq(clean uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clean > s.serverToClientSeq {
		s.serverToClientSeq = clean
	}
}

// CheckBareSequence implements the "bare seq > last_seen" discipline used
// by SessionPing/SessionPong, which forward without advancing the full
// replay window. On acceptance it records clean as the new last-seen value
// for that direction.
func (s *Session) CheckBareSequence(clientToServer bool, clean uint64) (accept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientToServer {
		if s.pingClientSeen && clean <= s.pingClientSeq {
			return false
		}
		s.pingClientSeq = clean
		s.pingClientSeen = true
		return true
	}
	if s.pingServerSeen && clean <= s.pingServerSeq {
		return false
	}
	s.pingServerSeq = clean
	s.pingServerSeen = true
	return true
}
