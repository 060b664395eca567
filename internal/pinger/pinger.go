// Package pinger runs the 10ms-cadence task that emits RelayPing packets to
// every peer relay due for one.
package pinger

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/networknext/next-sub003/internal/handlers"
	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/relaymanager"
)

// TickInterval is the sleep between ping cycles.
const TickInterval = 10 * time.Millisecond

// Pinger walks the relay manager's peer set once per tick and sends a
// RelayPing to every peer whose last ping is at least PingPeriod old.
type Pinger struct {
	Relays *relaymanager.Manager
	Sender handlers.Sender
	Log    zerolog.Logger
}

// Run blocks, ticking every TickInterval, until alive returns false.
func (p *Pinger) Run(alive func() bool) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		if alive != nil && !alive() {
			return
		}
		p.tick(time.Now())
		<-ticker.C
	}
}

func (p *Pinger) tick(now time.Time) {
	targets := p.Relays.GetPingTargets(now, relaymanager.PingPeriod)
	for _, target := range targets {
		packet := make([]byte, 1+8)
		packet[0] = byte(relaycrypto.PacketRelayPing)
		for i := 0; i < 8; i++ {
			packet[1+i] = byte(target.Sequence >> (8 * i))
		}
		if err := p.Sender.SendTo(target.Address, packet); err != nil {
			p.Log.Error().Err(err).Str("peer", target.Address.String()).Msg("failed to send relay ping")
		}
	}
}
