// Package backend implements the relay's two-phase conversation with the
// control-plane backend: a one-time init handshake followed by a
// once-per-second update loop that reports telemetry and receives a
// refreshed peer list, clock anchor, and shutdown instructions.
package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/box"

	"github.com/networknext/next-sub003/internal/clock"
	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/relaymanager"
	"github.com/networknext/next-sub003/internal/session"
	"github.com/networknext/next-sub003/internal/throughput"
	"github.com/networknext/next-sub003/internal/wire"
)

// Failure thresholds from the update loop's retry policy: the loop gives up
// after this many consecutive failed updates, or this much total time
// without a single successful one, whichever comes first.
const (
	maxConsecutiveFailures = 10
	maxFailureWindow       = 30 * time.Second
)

// Once a clean shutdown is requested, the loop keeps reporting
// shutting_down=true for this long before its final sleep and exit. These
// are the defaults Run applies when Loop.ShutdownGrace/FinalSleepBeforeExit
// are left at their zero value; tests override the fields directly rather
// than waiting out real minute-scale sleeps.
const (
	defaultShutdownGrace        = 60 * time.Second
	defaultFinalSleepBeforeExit = 30 * time.Second
)

// HTTPDoer abstracts *http.Client so the loop can be driven by a fake
// transport in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Loop owns the relay's side of the backend conversation: the collaborators
// it reports on, and the HTTP client it reports through.
type Loop struct {
	Hostname string
	Client   HTTPDoer
	Version  string

	RelayAddress     wire.Address
	RelayPrivateKey  [relaycrypto.KeySize]byte
	RelayPublicKey   [relaycrypto.KeySize]byte
	BackendPublicKey [relaycrypto.KeySize]byte

	Sessions   *session.Table
	Relays     *relaymanager.Manager
	Throughput *throughput.Recorder
	Router     *clock.RouterInfo

	Log zerolog.Logger

	// ShutdownGrace and FinalSleepBeforeExit override the clean-shutdown
	// timing; zero means use the package defaults.
	ShutdownGrace        time.Duration
	FinalSleepBeforeExit time.Duration

	// currentPublicKey is the key the backend told us to use on updates,
	// set once Init succeeds. Updates are reported against this key, not
	// RelayPublicKey, since the backend may rotate it at init time.
	currentPublicKey [relaycrypto.KeySize]byte

	bytesSent     uint64
	bytesReceived uint64

	lifetimeBytes   uint64
	lifetimePackets uint64
}

// RecordSent and RecordReceived let the receive loop and pinger fold raw
// byte counts into the next update without reaching into Throughput
// directly; kept distinct from the per-class Recorder since these two
// totals cross every class.
func (l *Loop) RecordSent(n uint64)     { atomic.AddUint64(&l.bytesSent, n) }
func (l *Loop) RecordReceived(n uint64) { atomic.AddUint64(&l.bytesReceived, n) }

func (l *Loop) takeByteCounters() (sent, received uint64) {
	return atomic.SwapUint64(&l.bytesSent, 0), atomic.SwapUint64(&l.bytesReceived, 0)
}

// Init performs the one-time relay_init handshake, retrying with capped
// exponential backoff until it succeeds or shouldStop reports true. It
// anchors Router to the backend's clock and records the public key to
// report updates under.
func (l *Loop) Init(ctx context.Context, shouldStop func() bool) error {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("backend: generate init nonce: %w", err)
	}

	token, err := sealIdentityToken(l.RelayPublicKey, &l.RelayPrivateKey, &l.BackendPublicKey)
	if err != nil {
		return fmt.Errorf("backend: seal init identity: %w", err)
	}

	req := InitRequest{
		RelayAddress: l.RelayAddress,
		Nonce:        nonce,
		Token:        token,
		Version:      l.Version,
	}
	body := MarshalInitRequest(req)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0 // retry forever; only shouldStop or ctx ends this

	for {
		if shouldStop != nil && shouldStop() {
			return fmt.Errorf("backend: init aborted by shutdown")
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backend: init aborted: %w", err)
		}

		resp, err := l.postInit(ctx, body)
		if err != nil {
			l.Log.Warn().Err(err).Msg("backend init failed, retrying")
			time.Sleep(bo.NextBackOff())
			continue
		}

		l.Router.SetBackendTime(resp.TimestampMillis/1000, time.Now())
		l.currentPublicKey = resp.PublicKey
		l.Log.Info().Msg("backend init succeeded")
		return nil
	}
}

func (l *Loop) postInit(ctx context.Context, body []byte) (InitResponse, error) {
	resp, err := l.post(ctx, "/relay_init", body)
	if err != nil {
		return InitResponse{}, err
	}
	return UnmarshalInitResponse(resp)
}

// Run drives the once-per-second update loop until a fatal condition
// occurs (sustained failure), shutdownRequested() becomes true (clean
// shutdown sequence), or hardStop() becomes true (immediate exit). It
// returns the process exit code: 0 only after a full clean shutdown.
func (l *Loop) Run(ctx context.Context, shutdownRequested func() bool, hardStop func() bool) int {
	var consecutiveFailures int
	var sinceLastSuccess time.Time
	haveSucceeded := false

	shuttingDown := false
	var shutdownStarted time.Time

	grace := l.ShutdownGrace
	if grace == 0 {
		grace = defaultShutdownGrace
	}
	finalSleep := l.FinalSleepBeforeExit
	if finalSleep == 0 {
		finalSleep = defaultFinalSleepBeforeExit
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if hardStop != nil && hardStop() {
			l.Log.Warn().Msg("hard shutdown requested, exiting backend loop immediately")
			return 1
		}

		if !shuttingDown && shutdownRequested != nil && shutdownRequested() {
			shuttingDown = true
			shutdownStarted = time.Now()
			l.Log.Info().Msg("clean shutdown requested, entering drain window")
		}

		if shuttingDown && time.Since(shutdownStarted) >= grace {
			l.Log.Info().Msg("drain window elapsed, sleeping before exit")
			time.Sleep(finalSleep)
			return 0
		}

		ok := l.runOnce(ctx, shuttingDown)
		now := time.Now()
		if ok {
			consecutiveFailures = 0
			sinceLastSuccess = now
			haveSucceeded = true
		} else {
			consecutiveFailures++
			if !haveSucceeded {
				sinceLastSuccess = now
			}
			if consecutiveFailures >= maxConsecutiveFailures || now.Sub(sinceLastSuccess) >= maxFailureWindow {
				l.Log.Error().
					Int("consecutive_failures", consecutiveFailures).
					Msg("backend update failing persistently, exiting")
				return 1
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 1
		}
	}
}

// runOnce performs a single update cycle: build the request from current
// collaborator state, POST it, and apply the response. Returns false on any
// failure. The throughput and byte counters are swapped to zero before the
// POST, so a failed cycle drops the counts it took: telemetry is delivered
// at most once.
func (l *Loop) runOnce(ctx context.Context, shuttingDown bool) bool {
	now := time.Now()
	classCounts := l.Throughput.TakeAndReset()
	totalBytes, totalPackets := sumClassCounts(classCounts[:])
	sentBytes, receivedBytes := l.takeByteCounters()

	stats := l.Relays.GetStats(now, relaymanager.StatsWindow, relaymanager.PingSafety)
	peerStats := make([]PeerStat, len(stats))
	for i, s := range stats {
		peerStats[i] = PeerStat{ID: s.ID, RTT: s.RTTMin, Jitter: s.Jitter, PacketLoss: s.PacketLoss}
	}

	req := UpdateRequest{
		Version:          l.Version,
		RelayAddress:     l.RelayAddress,
		PublicKey:        l.currentPublicKey,
		PeerStats:        peerStats,
		SessionCount:     uint32(l.Sessions.Size()),
		BytesSent:        sentBytes,
		BytesReceived:    receivedBytes,
		ShuttingDown:     shuttingDown,
		CPUUsagePercent:  0, // left to the operator's external monitoring; no portable stdlib source
		MemoryUsageBytes: memoryUsageBytes(),
	}
	body := MarshalUpdateRequest(req)

	resp, err := l.post(ctx, "/relay_update", body)
	if err != nil {
		l.Log.Warn().Err(err).Msg("backend update failed")
		return false
	}
	updateResp, err := UnmarshalUpdateResponse(resp)
	if err != nil {
		l.Log.Warn().Err(err).Msg("backend update response malformed")
		return false
	}

	l.Router.SetBackendTime(updateResp.TimestampMillis/1000, now)
	l.Relays.Update(updateResp.Peers, now, relaymanager.PingPeriod)

	if n := l.Sessions.Purge(l.Router.CurrentTime(now)); n > 0 {
		l.Log.Debug().Int("purged", n).Msg("expired sessions purged")
	}

	lifetimeBytes := atomic.AddUint64(&l.lifetimeBytes, totalBytes)
	lifetimePackets := atomic.AddUint64(&l.lifetimePackets, totalPackets)
	l.Log.Info().
		Uint64("update_bytes", totalBytes).
		Uint64("update_packets", totalPackets).
		Uint64("lifetime_bytes", lifetimeBytes).
		Uint64("lifetime_packets", lifetimePackets).
		Int("sessions", int(req.SessionCount)).
		Bool("shutting_down", shuttingDown).
		Msg("backend update")

	return true
}

func sumClassCounts(counts []throughput.ClassCounts) (bytes, packets uint64) {
	for _, c := range counts {
		bytes += c.Bytes
		packets += c.Packets
	}
	return bytes, packets
}

func (l *Loop) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := l.Hostname + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: POST %s returned status %d", path, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read response body for %s: %w", path, err)
	}
	return respBody, nil
}

func memoryUsageBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

// sealIdentityToken builds the crypto_box_easy-style envelope proving this
// relay's identity to the backend: a random 24-byte nonce followed by the
// relay's public key, sealed with the relay's private key to the backend's
// public key. The backend opens it to confirm the relay possesses the
// private half of the key it claims.
func sealIdentityToken(relayPublicKey [relaycrypto.KeySize]byte, relayPrivateKey, backendPublicKey *[relaycrypto.KeySize]byte) ([]byte, error) {
	const nonceSize = 24
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("backend: generate identity nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+relaycrypto.KeySize+box.Overhead)
	copy(out, nonce[:])
	out = box.Seal(out, relayPublicKey[:], &nonce, backendPublicKey, relayPrivateKey)
	return out, nil
}
