// Package clock implements the dual clock model: a backend-supplied wall
// clock advanced by local monotonic elapsed time, used for token and
// session expiry checks.
package clock

import (
	"sync"
	"time"
)

// RouterInfo tracks the most recent wall-clock timestamp reported by the
// backend, plus the local monotonic instant it was received at. CurrentTime
// extrapolates forward from that anchor so every worker core can check
// expiry without talking to the backend on every packet.
type RouterInfo struct {
	mu          sync.Mutex
	backendTime uint64 // seconds, wall clock, as of receivedAt
	receivedAt  time.Time
	initialized bool
}

// NewRouterInfo builds a RouterInfo with no anchor yet. CurrentTime returns
// 0 until SetBackendTime is called at least once (during backend init).
func NewRouterInfo() *RouterInfo {
	return &RouterInfo{}
}

// SetBackendTime anchors the wall clock to backendTimeSeconds as of now.
// Called after every successful backend init/update.
func (r *RouterInfo) SetBackendTime(backendTimeSeconds uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendTime = backendTimeSeconds
	r.receivedAt = now
	r.initialized = true
}

// CurrentTime returns the backend's wall-clock time plus monotonic elapsed
// seconds since the last anchor, for use in expiry checks.
func (r *RouterInfo) CurrentTime(now time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return 0
	}
	elapsed := now.Sub(r.receivedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return r.backendTime + uint64(elapsed/time.Second)
}

// Initialized reports whether a backend anchor has ever been set.
func (r *RouterInfo) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}
