// Package handlers implements the packet state machine: one function per
// inbound packet type (eleven of the twelve type codes; NearPong is only
// ever sent, so an inbound one is dropped like an unknown type), each a
// pure transformation of (packet, shared state) into an outbound send or a
// drop. None of them retain a session
// reference across datagrams, and none of them panic on malformed input.
package handlers

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/networknext/next-sub003/internal/clock"
	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/relaymanager"
	"github.com/networknext/next-sub003/internal/session"
	"github.com/networknext/next-sub003/internal/throughput"
	"github.com/networknext/next-sub003/internal/wire"
)

// MTU bounds the application payload of a data packet; MaxPacketBytes
// bounds the whole datagram including header and any trailer.
const (
	MTU            = 1200
	MaxPacketBytes = 1500
)

const nearAntiSpoofLen = 16

// Sender abstracts the outbound UDP socket so handlers can be unit tested
// without a real network connection.
type Sender interface {
	SendTo(addr wire.Address, payload []byte) error
}

// Reason classifies why a packet was accepted or dropped. It exists purely
// for counters and logging; it never crosses a packet boundary.
type Reason int

const (
	ReasonAccepted Reason = iota
	ReasonInputInvalid
	ReasonAuthFailure
	ReasonSessionNotFound
	ReasonSessionExpired
	ReasonReplay
	ReasonSendFailure
)

// State bundles the collaborators every handler consults: the session
// table, the relay manager's pong delivery path, the throughput recorder,
// the dual clock, the outbound sender, and the keys that open tokens (this
// relay's private key and the backend's public key).
type State struct {
	Sessions   *session.Table
	Relays     *relaymanager.Manager
	Throughput *throughput.Recorder
	Router     *clock.RouterInfo
	Sender     Sender

	RelayPrivateKey  *[relaycrypto.KeySize]byte
	BackendPublicKey *[relaycrypto.KeySize]byte

	// Draining reports whether the relay is in its shutdown-draining
	// window, during which RelayPing/RelayPong are rejected. A nil
	// Draining behaves as "never draining".
	Draining func() bool

	Log zerolog.Logger
}

func (st *State) draining() bool {
	return st.Draining != nil && st.Draining()
}

// classFor maps a packet's leading byte to its throughput class, including
// the fallback for anything not in the dispatch table.
func classFor(typ relaycrypto.PacketType) throughput.Class {
	switch typ {
	case relaycrypto.PacketRouteRequest:
		return throughput.ClassRouteRequest
	case relaycrypto.PacketRouteResponse:
		return throughput.ClassRouteResponse
	case relaycrypto.PacketContinueRequest:
		return throughput.ClassContinueRequest
	case relaycrypto.PacketContinueResponse:
		return throughput.ClassContinueResponse
	case relaycrypto.PacketClientToServer:
		return throughput.ClassClientToServer
	case relaycrypto.PacketServerToClient:
		return throughput.ClassServerToClient
	case relaycrypto.PacketSessionPing:
		return throughput.ClassSessionPing
	case relaycrypto.PacketSessionPong:
		return throughput.ClassSessionPong
	case relaycrypto.PacketRelayPing:
		return throughput.ClassRelayPing
	case relaycrypto.PacketRelayPong:
		return throughput.ClassRelayPong
	case relaycrypto.PacketNearPing:
		return throughput.ClassNearPing
	case relaycrypto.PacketNearPong:
		return throughput.ClassNearPong
	default:
		return throughput.ClassUnknown
	}
}

// Handle classifies buf by its leading byte and runs the matching handler.
// It is the single entry point the receive loop calls per datagram; the
// receive loop is responsible for recording the received byte count
// (including the IPv4/UDP header estimate) against classFor(typ) before or
// after calling Handle.
func Handle(st *State, buf []byte, source wire.Address, now time.Time) Reason {
	if len(buf) < 1 {
		return ReasonInputInvalid
	}
	typ := relaycrypto.PacketType(buf[0])

	if st.draining() && (typ == relaycrypto.PacketRelayPing || typ == relaycrypto.PacketRelayPong) {
		st.Log.Info().Uint8("packet_type", uint8(typ)).Msg("dropped during shutdown drain")
		return ReasonInputInvalid
	}

	switch typ {
	case relaycrypto.PacketRouteRequest:
		return handleRouteRequest(st, buf, source, now)
	case relaycrypto.PacketRouteResponse:
		return handleRouteResponse(st, buf, now)
	case relaycrypto.PacketContinueRequest:
		return handleContinueRequest(st, buf, now)
	case relaycrypto.PacketContinueResponse:
		return handleContinueResponse(st, buf, now)
	case relaycrypto.PacketClientToServer:
		return handleClientToServer(st, buf, now)
	case relaycrypto.PacketServerToClient:
		return handleServerToClient(st, buf, now)
	case relaycrypto.PacketSessionPing:
		return handleSessionPing(st, buf, now)
	case relaycrypto.PacketSessionPong:
		return handleSessionPong(st, buf, now)
	case relaycrypto.PacketRelayPing:
		return handleRelayPing(st, buf, source)
	case relaycrypto.PacketRelayPong:
		return handleRelayPong(st, buf, source, now)
	case relaycrypto.PacketNearPing:
		return handleNearPing(st, buf, source)
	default:
		st.Log.Debug().Uint8("packet_type", uint8(typ)).Msg("unknown packet type")
		return ReasonInputInvalid
	}
}

func handleRouteRequest(st *State, buf []byte, source wire.Address, now time.Time) Reason {
	minLen := 1 + 2*relaycrypto.RouteTokenSignedLen
	if len(buf) < minLen {
		return ReasonInputInvalid
	}

	tokenBuf := buf[1 : 1+relaycrypto.RouteTokenSignedLen]
	token, err := relaycrypto.ReadEncryptedRouteToken(tokenBuf, st.BackendPublicKey, st.RelayPrivateKey)
	if err != nil {
		st.Log.Error().Err(err).Msg("route token authentication failed")
		return ReasonAuthFailure
	}

	currentTime := st.Router.CurrentTime(now)
	if relaycrypto.Expired(token.ExpireTimestamp, currentTime) {
		st.Log.Error().Uint64("session_id", token.SessionID).Msg("route token expired")
		return ReasonSessionExpired
	}

	hash := relaycrypto.Hash(token.SessionID, token.SessionVersion)
	if existing := st.Sessions.Get(hash); existing != nil {
		existing.ReinstallRoute(token, source)
	} else {
		st.Sessions.Set(hash, session.NewFromRouteToken(token, source))
	}

	rest := buf[1+relaycrypto.RouteTokenSignedLen:]
	forward := make([]byte, 1+len(rest))
	forward[0] = byte(relaycrypto.PacketRouteRequest)
	copy(forward[1:], rest)

	if err := st.Sender.SendTo(token.NextAddr, forward); err != nil {
		st.Log.Error().Err(err).Msg("forward route request failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleContinueRequest(st *State, buf []byte, now time.Time) Reason {
	minLen := 1 + 2*relaycrypto.ContinueTokenSignedLen
	if len(buf) < minLen {
		return ReasonInputInvalid
	}

	tokenBuf := buf[1 : 1+relaycrypto.ContinueTokenSignedLen]
	token, err := relaycrypto.ReadEncryptedContinueToken(tokenBuf, st.BackendPublicKey, st.RelayPrivateKey)
	if err != nil {
		st.Log.Error().Err(err).Msg("continue token authentication failed")
		return ReasonAuthFailure
	}

	hash := relaycrypto.Hash(token.SessionID, token.SessionVersion)
	s := st.Sessions.Get(hash)
	if s == nil {
		st.Log.Error().Uint64("session_id", token.SessionID).Msg("continue token for unknown session")
		return ReasonSessionNotFound
	}

	s.ExtendExpiry(token.ExpireTimestamp)

	rest := buf[1+relaycrypto.ContinueTokenSignedLen:]
	forward := make([]byte, 1+len(rest))
	forward[0] = byte(relaycrypto.PacketContinueRequest)
	copy(forward[1:], rest)

	_, next := s.Addrs()
	if err := st.Sender.SendTo(next, forward); err != nil {
		st.Log.Error().Err(err).Msg("forward continue request failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

// verifiedResponse is the shared body of RouteResponse/ContinueResponse:
// look up the session from the unauthenticated identity fields, reject on
// expiry, require a strictly increasing bare sequence, then authenticate.
func verifiedResponse(st *State, buf []byte, now time.Time) (*session.Session, relaycrypto.Header, Reason) {
	if len(buf) != relaycrypto.HeaderLen {
		return nil, relaycrypto.Header{}, ReasonInputInvalid
	}

	sessionID, sessionVersion, ok := relaycrypto.PeekIdentity(buf)
	if !ok {
		return nil, relaycrypto.Header{}, ReasonInputInvalid
	}
	hash := relaycrypto.Hash(sessionID, sessionVersion)
	s := st.Sessions.Get(hash)
	if s == nil {
		return nil, relaycrypto.Header{}, ReasonSessionNotFound
	}

	currentTime := st.Router.CurrentTime(now)
	if s.Expired(currentTime) {
		st.Sessions.Erase(hash)
		return nil, relaycrypto.Header{}, ReasonSessionExpired
	}

	rawSeq, ok := relaycrypto.PeekSequence(buf)
	if !ok {
		return nil, relaycrypto.Header{}, ReasonInputInvalid
	}
	clean := (relaycrypto.Header{Sequence: rawSeq}).CleanSequence()
	if clean <= s.ServerToClientSeq() {
		return nil, relaycrypto.Header{}, ReasonReplay
	}

	key := s.PrivateKey()
	h, err := relaycrypto.VerifyHeader(buf, &key)
	if err != nil {
		return nil, relaycrypto.Header{}, ReasonAuthFailure
	}

	s.AdvanceServerToClientSeq(h.CleanSequence())
	return s, h, ReasonAccepted
}

func handleRouteResponse(st *State, buf []byte, now time.Time) Reason {
	s, _, reason := verifiedResponse(st, buf, now)
	if reason != ReasonAccepted {
		return reason
	}
	prev, _ := s.Addrs()
	if err := st.Sender.SendTo(prev, buf); err != nil {
		st.Log.Error().Err(err).Msg("forward route response failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleContinueResponse(st *State, buf []byte, now time.Time) Reason {
	s, _, reason := verifiedResponse(st, buf, now)
	if reason != ReasonAccepted {
		return reason
	}
	prev, _ := s.Addrs()
	if err := st.Sender.SendTo(prev, buf); err != nil {
		st.Log.Error().Err(err).Msg("forward continue response failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func lookupSessionForData(st *State, buf []byte, now time.Time) (*session.Session, relaycrypto.Header, Reason) {
	sessionID, sessionVersion, ok := relaycrypto.PeekIdentity(buf)
	if !ok {
		return nil, relaycrypto.Header{}, ReasonInputInvalid
	}
	hash := relaycrypto.Hash(sessionID, sessionVersion)
	s := st.Sessions.Get(hash)
	if s == nil {
		return nil, relaycrypto.Header{}, ReasonSessionNotFound
	}
	currentTime := st.Router.CurrentTime(now)
	if s.Expired(currentTime) {
		st.Sessions.Erase(hash)
		return nil, relaycrypto.Header{}, ReasonSessionExpired
	}
	return s, relaycrypto.Header{}, ReasonAccepted
}

func handleClientToServer(st *State, buf []byte, now time.Time) Reason {
	if len(buf) <= relaycrypto.HeaderLen || len(buf) > relaycrypto.HeaderLen+MTU {
		return ReasonInputInvalid
	}
	s, _, reason := lookupSessionForData(st, buf, now)
	if reason != ReasonAccepted {
		return reason
	}

	rawSeq, ok := relaycrypto.PeekSequence(buf)
	if !ok {
		return ReasonInputInvalid
	}
	clean := (relaycrypto.Header{Sequence: rawSeq}).CleanSequence()
	if s.ClientToServerDuplicate(clean) {
		return ReasonReplay
	}

	key := s.PrivateKey()
	if _, err := relaycrypto.VerifyHeader(buf, &key); err != nil {
		return ReasonAuthFailure
	}
	s.AdvanceClientToServerWindow(clean)

	_, next := s.Addrs()
	if err := st.Sender.SendTo(next, buf); err != nil {
		st.Log.Error().Err(err).Msg("forward client-to-server packet failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleServerToClient(st *State, buf []byte, now time.Time) Reason {
	if len(buf) <= relaycrypto.HeaderLen || len(buf) > relaycrypto.HeaderLen+MTU {
		return ReasonInputInvalid
	}
	s, _, reason := lookupSessionForData(st, buf, now)
	if reason != ReasonAccepted {
		return reason
	}

	rawSeq, ok := relaycrypto.PeekSequence(buf)
	if !ok {
		return ReasonInputInvalid
	}
	clean := (relaycrypto.Header{Sequence: rawSeq}).CleanSequence()
	if s.ServerToClientDuplicate(clean) {
		return ReasonReplay
	}

	key := s.PrivateKey()
	if _, err := relaycrypto.VerifyHeader(buf, &key); err != nil {
		return ReasonAuthFailure
	}
	s.AdvanceServerToClientWindow(clean)

	prev, _ := s.Addrs()
	if err := st.Sender.SendTo(prev, buf); err != nil {
		st.Log.Error().Err(err).Msg("forward server-to-client packet failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleSessionPing(st *State, buf []byte, now time.Time) Reason {
	return handlePingFamily(st, buf, now, true)
}

func handleSessionPong(st *State, buf []byte, now time.Time) Reason {
	return handlePingFamily(st, buf, now, false)
}

func handlePingFamily(st *State, buf []byte, now time.Time, clientToServer bool) Reason {
	if len(buf) > relaycrypto.HeaderLen+32 || len(buf) < relaycrypto.HeaderLen {
		return ReasonInputInvalid
	}
	s, _, reason := lookupSessionForData(st, buf, now)
	if reason != ReasonAccepted {
		return reason
	}

	key := s.PrivateKey()
	h, err := relaycrypto.VerifyHeader(buf, &key)
	if err != nil {
		return ReasonAuthFailure
	}
	clean := h.CleanSequence()
	if !s.CheckBareSequence(clientToServer, clean) {
		return ReasonReplay
	}

	prev, next := s.Addrs()
	dest := next
	if !clientToServer {
		dest = prev
	}
	if err := st.Sender.SendTo(dest, buf); err != nil {
		st.Log.Error().Err(err).Msg("forward ping-family packet failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleRelayPing(st *State, buf []byte, source wire.Address) Reason {
	if len(buf) != 1+8 {
		return ReasonInputInvalid
	}
	reply := make([]byte, len(buf))
	copy(reply, buf)
	reply[0] = byte(relaycrypto.PacketRelayPong)
	if err := st.Sender.SendTo(source, reply); err != nil {
		st.Log.Error().Err(err).Msg("reply to relay ping failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}

func handleRelayPong(st *State, buf []byte, source wire.Address, now time.Time) Reason {
	if len(buf) != 1+8 {
		return ReasonInputInvalid
	}
	var sequence uint64
	for i := 0; i < 8; i++ {
		sequence |= uint64(buf[1+i]) << (8 * i)
	}
	st.Relays.ProcessPong(source, sequence, now)
	return ReasonAccepted
}

func handleNearPing(st *State, buf []byte, source wire.Address) Reason {
	if len(buf) != 33 {
		return ReasonInputInvalid
	}
	truncated := buf[:len(buf)-nearAntiSpoofLen]
	reply := make([]byte, len(truncated))
	copy(reply, truncated)
	reply[0] = byte(relaycrypto.PacketNearPong)
	if err := st.Sender.SendTo(source, reply); err != nil {
		st.Log.Error().Err(err).Msg("reply to near ping failed")
		return ReasonSendFailure
	}
	return ReasonAccepted
}
