// Package relaymanager tracks the set of peer relays this relay pings, and
// aggregates the RTT/jitter/loss telemetry reported to the backend.
package relaymanager

import (
	"sync"
	"time"

	"github.com/networknext/next-sub003/internal/pinghistory"
	"github.com/networknext/next-sub003/internal/wire"
)

// MaxRelays bounds the cardinality of the peer set.
const MaxRelays = 1024

// Default pacing for peer pinging and stats aggregation. These are the
// values callers should pass to Update/GetPingTargets/GetStats unless a
// test needs otherwise.
const (
	PingPeriod  = time.Second
	StatsWindow = 10 * time.Second
	PingSafety  = time.Second
)

// PeerInfo is a backend-supplied peer identity, as carried in an update
// response's peer list.
type PeerInfo struct {
	ID      uint64
	Address wire.Address
}

type peer struct {
	id           uint64
	address      wire.Address
	history      pinghistory.History
	lastPingTime time.Time
}

// PingTarget is an outgoing relay ping to emit: the destination and the
// sequence number to encode in it.
type PingTarget struct {
	Address  wire.Address
	Sequence uint64
}

// PeerStats is one peer's aggregated route-quality telemetry.
type PeerStats struct {
	ID         uint64
	RTTMin     float64
	Jitter     float64
	PacketLoss float64
}

// Manager holds the peer set. The whole set is protected by a single
// mutex; critical sections are short, bounded by MaxRelays.
type Manager struct {
	mu    sync.Mutex
	peers []*peer
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Update replaces the peer set atomically: peers common to the old and new
// sets carry over their ping history, new peers start with empty history,
// and last_ping_time values are spread evenly across pingPeriod to avoid
// synchronized ping bursts.
func (m *Manager) Update(newRelays []PeerInfo, now time.Time, pingPeriod time.Duration) {
	if len(newRelays) > MaxRelays {
		newRelays = newRelays[:MaxRelays]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[uint64]*peer, len(m.peers))
	for _, p := range m.peers {
		existing[p.id] = p
	}

	next := make([]*peer, 0, len(newRelays))
	for _, info := range newRelays {
		if old, ok := existing[info.ID]; ok {
			old.address = info.Address
			next = append(next, old)
			continue
		}
		next = append(next, &peer{id: info.ID, address: info.Address})
	}

	base := now.Add(-pingPeriod)
	n := max(len(next), 1)
	for i, p := range next {
		offset := time.Duration(i) * pingPeriod / time.Duration(n)
		p.lastPingTime = base.Add(offset)
	}

	m.peers = next
}

// ProcessPong delivers a RelayPong's sequence number to the peer at
// address, by linear scan (n <= MaxRelays).
func (m *Manager) ProcessPong(address wire.Address, sequence uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		if p.address.Equal(address) {
			p.history.Receive(sequence, now)
			return
		}
	}
}

// GetPingTargets walks the peer list and returns one PingTarget for every
// peer whose last ping was at least pingPeriod ago, allocating a fresh
// outgoing sequence from that peer's history and resetting its
// last_ping_time to now.
func (m *Manager) GetPingTargets(now time.Time, pingPeriod time.Duration) []PingTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PingTarget
	for _, p := range m.peers {
		if now.Sub(p.lastPingTime) < pingPeriod {
			continue
		}
		seq := p.history.Send(now)
		out = append(out, PingTarget{Address: p.address, Sequence: seq})
		p.lastPingTime = now
	}
	return out
}

// GetStats derives (rtt, jitter, packet_loss) for every peer over the
// trailing statsWindow seconds, excluding the last pingSafety seconds to
// let in-flight pongs arrive.
func (m *Manager) GetStats(now time.Time, statsWindow, pingSafety time.Duration) []PeerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerStats, 0, len(m.peers))
	start := now.Add(-statsWindow)
	for _, p := range m.peers {
		s := p.history.Derive(start, now, pingSafety)
		out = append(out, PeerStats{
			ID:         p.id,
			RTTMin:     s.RTTMin,
			Jitter:     s.Jitter,
			PacketLoss: s.PacketLoss,
		})
	}
	return out
}

// Size returns the current peer count.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
