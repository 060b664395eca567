// Command relay runs the UDP packet relay core: one receive-loop worker per
// configured core, a 10ms relay-to-relay pinger, and the backend HTTP
// init/update loop, all pinned to their own OS threads where possible.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/networknext/next-sub003/internal/backend"
	"github.com/networknext/next-sub003/internal/clock"
	"github.com/networknext/next-sub003/internal/config"
	"github.com/networknext/next-sub003/internal/handlers"
	"github.com/networknext/next-sub003/internal/pinger"
	"github.com/networknext/next-sub003/internal/receiveloop"
	"github.com/networknext/next-sub003/internal/relaymanager"
	"github.com/networknext/next-sub003/internal/session"
	"github.com/networknext/next-sub003/internal/throughput"
	"github.com/networknext/next-sub003/internal/wire"
)

// relayVersion is reported to the backend on every init and update call.
const relayVersion = "next-sub003-relay-dev"

func main() {
	os.Exit(run())
}

func run() int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	bindAddr, err := resolveRelayAddress(cfg.BindAddress)
	if err != nil {
		log.Error().Err(err).Str("bind_address", cfg.BindAddress).Msg("failed to resolve bind address")
		return 1
	}

	conn, err := receiveloop.ListenReusable(cfg.BindAddress)
	if err != nil {
		log.Error().Err(err).Str("bind_address", cfg.BindAddress).Msg("failed to bind relay socket")
		return 1
	}
	defer conn.Close()
	receiveloop.SetBufferSizes(conn, cfg.SendBufferSize, cfg.RecvBufferSize, log)

	sessions := session.NewTable()
	relays := relaymanager.New()
	tput := &throughput.Recorder{}
	router := clock.NewRouterInfo()

	var draining atomic.Bool
	var hardStop atomic.Bool

	loop := &backend.Loop{
		Hostname:         cfg.BackendHostname,
		Client:           &http.Client{Timeout: 10 * time.Second},
		Version:          relayVersion,
		RelayAddress:     bindAddr,
		RelayPrivateKey:  cfg.RelayPrivateKey,
		RelayPublicKey:   cfg.RelayPublicKey,
		BackendPublicKey: cfg.BackendPublicKey,
		Sessions:         sessions,
		Relays:           relays,
		Throughput:       tput,
		Router:           router,
		Log:              log.With().Str("component", "backend").Logger(),
	}

	sender := &countingSender{inner: receiveloop.NewSender(conn), recorder: loop}

	state := &handlers.State{
		Sessions:         sessions,
		Relays:           relays,
		Throughput:       tput,
		Router:           router,
		Sender:           sender,
		RelayPrivateKey:  &cfg.RelayPrivateKey,
		BackendPublicKey: &cfg.BackendPublicKey,
		Draining:         draining.Load,
		Log:              log.With().Str("component", "handlers").Logger(),
	}

	ping := &pinger.Pinger{
		Relays: relays,
		Sender: sender,
		Log:    log.With().Str("component", "pinger").Logger(),
	}

	alive := func() bool { return !hardStop.Load() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Init(ctx, hardStop.Load); err != nil {
		log.Error().Err(err).Msg("backend init failed")
		return 1
	}

	var wg sync.WaitGroup

	for core := 0; core < cfg.MaxCores; core++ {
		core := core
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			receiveloop.PinToCore(core, log)
			w := &receiveloop.Worker{
				Conn:          conn,
				State:         state,
				Log:           log.With().Str("component", "receiveloop").Int("core", core).Logger(),
				BytesRecorder: loop,
			}
			w.Run(alive)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		receiveloop.PinToCore(0, log)
		ping.Run(alive)
	}()

	exitCode := waitForShutdown(ctx, log, &draining, &hardStop, loop)

	cancel()
	conn.Close()
	wg.Wait()
	return exitCode
}

// waitForShutdown blocks on OS signals and the backend loop. SIGINT triggers
// an immediate hard stop (exit code 1, no drain). SIGTERM or SIGHUP starts a
// clean shutdown: handlers.State.Draining flips true so relay-to-relay
// traffic is rejected while the backend loop finishes its grace period, and
// a second such signal escalates to a hard stop.
func waitForShutdown(ctx context.Context, log zerolog.Logger, draining, hardStop *atomic.Bool, loop *backend.Loop) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	backendDone := make(chan int, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		receiveloop.PinToCore(0, log)
		backendDone <- loop.Run(ctx, draining.Load, hardStop.Load)
	}()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT:
				log.Warn().Msg("received SIGINT, hard stop")
				hardStop.Store(true)
			default:
				if draining.CompareAndSwap(false, true) {
					log.Info().Str("signal", sig.String()).Msg("received shutdown signal, draining")
				} else {
					log.Warn().Str("signal", sig.String()).Msg("received second shutdown signal, hard stop")
					hardStop.Store(true)
				}
			}
		case code := <-backendDone:
			// The backend loop is the sole authority on when shutdown (clean
			// or forced) is complete; stop the receive-loop and pinger
			// goroutines now so run() can return.
			hardStop.Store(true)
			return code
		}
	}
}

func resolveRelayAddress(bindAddress string) (wire.Address, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return wire.Address{}, err
	}
	return wire.FromUDPAddr(udpAddr), nil
}

// countingSender wraps a handlers.Sender so every outbound datagram's size
// (plus the same UDP/IPv4 header estimate the receive loop uses) feeds the
// backend loop's bandwidth report.
type countingSender struct {
	inner    handlers.Sender
	recorder interface{ RecordSent(n uint64) }
}

func (s *countingSender) SendTo(addr wire.Address, payload []byte) error {
	err := s.inner.SendTo(addr, payload)
	if err == nil {
		s.recorder.RecordSent(uint64(len(payload)) + throughput.UDPIPv4HeaderEstimate)
	}
	return err
}
