// Package pinghistory implements the 64-slot ring of outgoing relay pings
// used to derive RTT, jitter, and packet loss toward a peer relay.
package pinghistory

import "time"

// Slots is the number of entries in a History's ring buffer.
const Slots = 64

type entry struct {
	sequence uint64
	sent     time.Time
	received time.Time // zero until a matching pong lands
	hasSent  bool
}

// History is a ring buffer of (sequence, t_send, t_recv) entries. It is not
// safe for concurrent use; callers serialize access (relaymanager guards
// every peer's History with its single Manager mutex).
type History struct {
	nextSeq uint64
	entries [Slots]entry
}

// Send allocates the next sequence number, records its send time in the
// ring, and returns the sequence to encode into the outgoing RelayPing.
func (h *History) Send(now time.Time) uint64 {
	seq := h.nextSeq
	h.nextSeq++
	slot := &h.entries[seq%Slots]
	slot.sequence = seq
	slot.sent = now
	slot.received = time.Time{}
	slot.hasSent = true
	return seq
}

// Receive records the arrival time of a pong for sequence, but only if the
// slot still holds that sequence number. If the slot has since been
// overwritten by a newer ping, the sample is silently discarded.
func (h *History) Receive(sequence uint64, now time.Time) {
	slot := &h.entries[sequence%Slots]
	if !slot.hasSent || slot.sequence != sequence {
		return
	}
	slot.received = now
}

// Stats are the derived route-quality figures for a peer, in milliseconds
// except PacketLoss which is a percentage.
type Stats struct {
	RTTMin     float64
	Jitter     float64
	PacketLoss float64
}

// Derive computes Stats from entries with send times in [start, end],
// excluding the trailing pingSafety seconds from the pings-sent count to
// let in-flight pongs arrive.
func (h *History) Derive(start, end time.Time, pingSafety time.Duration) Stats {
	sentCutoff := end.Add(-pingSafety)

	var pingsSent, pongsReceived int
	var rttMin time.Duration
	haveRTT := false

	for i := range h.entries {
		e := &h.entries[i]
		if !e.hasSent {
			continue
		}
		if e.sent.Before(start) || e.sent.After(end) {
			continue
		}
		sentBeforeCutoff := !e.sent.After(sentCutoff)
		if sentBeforeCutoff {
			pingsSent++
		}
		if e.received.IsZero() || e.received.Before(e.sent) {
			continue
		}
		rtt := e.received.Sub(e.sent)
		if sentBeforeCutoff {
			pongsReceived++
		}
		if !haveRTT || rtt < rttMin {
			rttMin = rtt
			haveRTT = true
		}
	}

	var stats Stats
	if pingsSent == 0 {
		stats.PacketLoss = 100
	} else {
		stats.PacketLoss = 100 * (1 - float64(pongsReceived)/float64(pingsSent))
	}

	if !haveRTT {
		return stats
	}
	stats.RTTMin = float64(rttMin) / float64(time.Millisecond)

	var jitterSum time.Duration
	var jitterCount int
	for i := range h.entries {
		e := &h.entries[i]
		if !e.hasSent || e.received.IsZero() || e.received.Before(e.sent) {
			continue
		}
		if e.sent.Before(start) || e.sent.After(end) {
			continue
		}
		jitterSum += e.received.Sub(e.sent) - rttMin
		jitterCount++
	}
	if jitterCount > 0 {
		stats.Jitter = float64(jitterSum/time.Duration(jitterCount)) / float64(time.Millisecond)
	}

	return stats
}
