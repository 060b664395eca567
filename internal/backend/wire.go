package backend

import (
	"fmt"
	"math"

	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/relaymanager"
	"github.com/networknext/next-sub003/internal/wire"
)

// PeerStat is one peer's aggregated route-quality telemetry, as reported in
// an UpdateRequest.
type PeerStat struct {
	ID         uint64
	RTT        float64
	Jitter     float64
	PacketLoss float64
}

// InitRequest is the one-time handshake body POSTed to relay_init.
type InitRequest struct {
	RelayAddress wire.Address
	Nonce        [8]byte
	Token        []byte // box-sealed identity proof, sender this relay, receiver the backend
	Version      string
}

// InitResponse carries the backend's clock anchor and the public key to use
// on subsequent updates.
type InitResponse struct {
	TimestampMillis uint64
	PublicKey       [relaycrypto.KeySize]byte
}

// UpdateRequest is POSTed once per second to relay_update.
type UpdateRequest struct {
	Version          string
	RelayAddress     wire.Address
	PublicKey        [relaycrypto.KeySize]byte
	PeerStats        []PeerStat
	SessionCount     uint32
	BytesSent        uint64
	BytesReceived    uint64
	ShuttingDown     bool
	CPUUsagePercent  float64
	MemoryUsageBytes uint64
}

// UpdateResponse carries a refreshed clock anchor and the new peer set to
// ping.
type UpdateResponse struct {
	TimestampMillis uint64
	Peers           []relaymanager.PeerInfo
}

func putString(w *wire.Writer, s string) {
	w.PutUint8(uint8(len(s)))
	w.PutBytes([]byte(s))
}

func getString(r *wire.Reader) (string, bool) {
	n, ok := r.Uint8()
	if !ok {
		return "", false
	}
	b, ok := r.Bytes(int(n))
	if !ok {
		return "", false
	}
	return string(b), true
}

func putFloat64(w *wire.Writer, f float64) {
	w.PutUint64(math.Float64bits(f))
}

func getFloat64(r *wire.Reader) (float64, bool) {
	bits, ok := r.Uint64()
	if !ok {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

func putAddress(w *wire.Writer, a wire.Address) {
	buf := make([]byte, wire.AddressSize)
	idx := 0
	wire.WriteAddress(buf, &idx, a)
	w.PutBytes(buf)
}

func getAddress(r *wire.Reader) (wire.Address, bool) {
	buf, ok := r.Bytes(wire.AddressSize)
	if !ok {
		return wire.Address{}, false
	}
	idx := 0
	return wire.ReadAddress(buf, &idx)
}

// MarshalInitRequest serializes an InitRequest for the relay_init body.
func MarshalInitRequest(req InitRequest) []byte {
	w := wire.NewWriter(wire.AddressSize + 8 + 2 + len(req.Token) + 1 + len(req.Version))
	putAddress(w, req.RelayAddress)
	w.PutBytes(req.Nonce[:])
	w.PutUint16(uint16(len(req.Token)))
	w.PutBytes(req.Token)
	putString(w, req.Version)
	return w.Bytes()
}

// UnmarshalInitRequest is the backend-side counterpart, included so the
// relay's own test suite can exercise the codec without a live backend.
func UnmarshalInitRequest(buf []byte) (InitRequest, error) {
	r := wire.NewReader(buf)
	var req InitRequest
	addr, ok := getAddress(r)
	if !ok {
		return InitRequest{}, fmt.Errorf("backend: truncated init request: address")
	}
	req.RelayAddress = addr
	nonce, ok := r.Bytes(8)
	if !ok {
		return InitRequest{}, fmt.Errorf("backend: truncated init request: nonce")
	}
	copy(req.Nonce[:], nonce)
	tokenLen, ok := r.Uint16()
	if !ok {
		return InitRequest{}, fmt.Errorf("backend: truncated init request: token length")
	}
	token, ok := r.Bytes(int(tokenLen))
	if !ok {
		return InitRequest{}, fmt.Errorf("backend: truncated init request: token")
	}
	req.Token = token
	version, ok := getString(r)
	if !ok {
		return InitRequest{}, fmt.Errorf("backend: truncated init request: version")
	}
	req.Version = version
	return req, nil
}

// MarshalInitResponse serializes a relay_init response body.
func MarshalInitResponse(resp InitResponse) []byte {
	w := wire.NewWriter(8 + relaycrypto.KeySize)
	w.PutUint64(resp.TimestampMillis)
	w.PutBytes(resp.PublicKey[:])
	return w.Bytes()
}

// UnmarshalInitResponse decodes a relay_init response body.
func UnmarshalInitResponse(buf []byte) (InitResponse, error) {
	r := wire.NewReader(buf)
	var resp InitResponse
	ts, ok := r.Uint64()
	if !ok {
		return InitResponse{}, fmt.Errorf("backend: truncated init response: timestamp")
	}
	resp.TimestampMillis = ts
	key, ok := r.Bytes(relaycrypto.KeySize)
	if !ok {
		return InitResponse{}, fmt.Errorf("backend: truncated init response: public key")
	}
	copy(resp.PublicKey[:], key)
	return resp, nil
}

// MarshalUpdateRequest serializes a relay_update request body.
func MarshalUpdateRequest(req UpdateRequest) []byte {
	w := wire.NewWriter(256 + len(req.PeerStats)*24)
	putString(w, req.Version)
	putAddress(w, req.RelayAddress)
	w.PutBytes(req.PublicKey[:])
	w.PutUint16(uint16(len(req.PeerStats)))
	for _, ps := range req.PeerStats {
		w.PutUint64(ps.ID)
		putFloat64(w, ps.RTT)
		putFloat64(w, ps.Jitter)
		putFloat64(w, ps.PacketLoss)
	}
	w.PutUint32(req.SessionCount)
	w.PutUint64(req.BytesSent)
	w.PutUint64(req.BytesReceived)
	if req.ShuttingDown {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
	putFloat64(w, req.CPUUsagePercent)
	w.PutUint64(req.MemoryUsageBytes)
	return w.Bytes()
}

// UnmarshalUpdateRequest is the backend-side counterpart, included for
// round-trip testing.
func UnmarshalUpdateRequest(buf []byte) (UpdateRequest, error) {
	r := wire.NewReader(buf)
	var req UpdateRequest

	version, ok := getString(r)
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: version")
	}
	req.Version = version

	addr, ok := getAddress(r)
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: address")
	}
	req.RelayAddress = addr

	key, ok := r.Bytes(relaycrypto.KeySize)
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: public key")
	}
	copy(req.PublicKey[:], key)

	n, ok := r.Uint16()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: peer stat count")
	}
	req.PeerStats = make([]PeerStat, n)
	for i := range req.PeerStats {
		id, ok := r.Uint64()
		if !ok {
			return UpdateRequest{}, fmt.Errorf("backend: truncated update request: peer stat id")
		}
		rtt, ok := getFloat64(r)
		if !ok {
			return UpdateRequest{}, fmt.Errorf("backend: truncated update request: peer stat rtt")
		}
		jitter, ok := getFloat64(r)
		if !ok {
			return UpdateRequest{}, fmt.Errorf("backend: truncated update request: peer stat jitter")
		}
		loss, ok := getFloat64(r)
		if !ok {
			return UpdateRequest{}, fmt.Errorf("backend: truncated update request: peer stat loss")
		}
		req.PeerStats[i] = PeerStat{ID: id, RTT: rtt, Jitter: jitter, PacketLoss: loss}
	}

	sessionCount, ok := r.Uint32()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: session count")
	}
	req.SessionCount = sessionCount

	bytesSent, ok := r.Uint64()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: bytes sent")
	}
	req.BytesSent = bytesSent

	bytesReceived, ok := r.Uint64()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: bytes received")
	}
	req.BytesReceived = bytesReceived

	shuttingDown, ok := r.Uint8()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: shutting down flag")
	}
	req.ShuttingDown = shuttingDown != 0

	cpu, ok := getFloat64(r)
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: cpu usage")
	}
	req.CPUUsagePercent = cpu

	mem, ok := r.Uint64()
	if !ok {
		return UpdateRequest{}, fmt.Errorf("backend: truncated update request: memory usage")
	}
	req.MemoryUsageBytes = mem

	return req, nil
}

// MarshalUpdateResponse serializes a relay_update response body.
func MarshalUpdateResponse(resp UpdateResponse) []byte {
	w := wire.NewWriter(8 + 2 + len(resp.Peers)*(8+wire.AddressSize))
	w.PutUint64(resp.TimestampMillis)
	w.PutUint16(uint16(len(resp.Peers)))
	for _, p := range resp.Peers {
		w.PutUint64(p.ID)
		putAddress(w, p.Address)
	}
	return w.Bytes()
}

// UnmarshalUpdateResponse decodes a relay_update response body.
func UnmarshalUpdateResponse(buf []byte) (UpdateResponse, error) {
	r := wire.NewReader(buf)
	var resp UpdateResponse
	ts, ok := r.Uint64()
	if !ok {
		return UpdateResponse{}, fmt.Errorf("backend: truncated update response: timestamp")
	}
	resp.TimestampMillis = ts

	n, ok := r.Uint16()
	if !ok {
		return UpdateResponse{}, fmt.Errorf("backend: truncated update response: peer count")
	}
	resp.Peers = make([]relaymanager.PeerInfo, n)
	for i := range resp.Peers {
		id, ok := r.Uint64()
		if !ok {
			return UpdateResponse{}, fmt.Errorf("backend: truncated update response: peer id")
		}
		addr, ok := getAddress(r)
		if !ok {
			return UpdateResponse{}, fmt.Errorf("backend: truncated update response: peer address")
		}
		resp.Peers[i] = relaymanager.PeerInfo{ID: id, Address: addr}
	}
	return resp, nil
}
