// Package throughput implements the per-packet-class atomic byte/packet
// counters the backend update loop reports and resets every cycle.
package throughput

import "sync/atomic"

// Class identifies which packet family a counter tracks.
type Class int

const (
	ClassRouteRequest Class = iota
	ClassRouteResponse
	ClassContinueRequest
	ClassContinueResponse
	ClassClientToServer
	ClassServerToClient
	ClassSessionPing
	ClassSessionPong
	ClassRelayPing
	ClassRelayPong
	ClassNearPing
	ClassNearPong
	ClassUnknown
	numClasses
)

type counter struct {
	bytes   uint64
	packets uint64
}

// Recorder holds one atomic (bytes, packets) pair per Class. The zero value
// is ready to use.
type Recorder struct {
	counters [numClasses]counter
}

// UDPIPv4HeaderEstimate is the fixed per-datagram overhead the receive loop
// adds to the counted byte total.
const UDPIPv4HeaderEstimate = 28

// Record adds n application bytes (the caller includes
// UDPIPv4HeaderEstimate itself) and one packet to class's counters.
func (r *Recorder) Record(class Class, n uint64) {
	atomic.AddUint64(&r.counters[class].bytes, n)
	atomic.AddUint64(&r.counters[class].packets, 1)
}

// ClassCounts is a point-in-time read of one class's counters.
type ClassCounts struct {
	Bytes   uint64
	Packets uint64
}

// TakeAndReset atomically exchanges every class's counters to zero and
// returns the values observed, for the backend loop to fold into the next
// update it sends.
func (r *Recorder) TakeAndReset() [numClasses]ClassCounts {
	var out [numClasses]ClassCounts
	for i := range r.counters {
		out[i].Bytes = atomic.SwapUint64(&r.counters[i].bytes, 0)
		out[i].Packets = atomic.SwapUint64(&r.counters[i].packets, 0)
	}
	return out
}
