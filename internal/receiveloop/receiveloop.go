// Package receiveloop runs one blocking recv_from worker per core: it reads
// a datagram, classifies and counts it, and hands it to the handler state
// machine for dispatch.
package receiveloop

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/networknext/next-sub003/internal/handlers"
	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/throughput"
	"github.com/networknext/next-sub003/internal/wire"
)

// MaxDatagramBytes is the largest UDP payload a worker will accept into its
// receive buffer; anything beyond this is truncated by the kernel and
// handled (or rejected) the same as any other malformed input.
const MaxDatagramBytes = handlers.MaxPacketBytes

// Worker owns one receive-loop goroutine's socket and scratch buffer. One
// Worker is created per core; PinToCore binds the calling OS thread before
// the loop starts reading.
type Worker struct {
	Conn  *net.UDPConn
	State *handlers.State
	Log   zerolog.Logger

	// BytesRecorder receives the raw byte count of every received datagram,
	// whether or not the handler then accepts it (application bytes plus
	// the UDP/IPv4 header estimate), for the
	// backend loop's bandwidth report. Left nil in tests that don't care.
	BytesRecorder interface{ RecordReceived(n uint64) }
}

// listenReusable hands back a *net.UDPConn whose underlying fd already has
// SO_REUSEPORT set, so further sockets can bind the same port.
func listenReusable(network, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(fdNetwork, fdAddress string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.New("receiveloop: listener is not a UDP connection")
	}
	return conn, nil
}

// ListenReusable opens a UDP socket at address with SO_REUSEPORT set, so
// multiple workers can each bind the same port and let the kernel
// load-balance datagrams across them.
func ListenReusable(address string) (*net.UDPConn, error) {
	return listenReusable("udp", address)
}

// SetBufferSizes applies the configured socket buffer sizes; failures are
// non-fatal (the kernel silently caps oversized requests on some
// platforms), so this only logs.
func SetBufferSizes(conn *net.UDPConn, sendBytes, recvBytes int, log zerolog.Logger) {
	if err := conn.SetWriteBuffer(sendBytes); err != nil {
		log.Warn().Err(err).Msg("failed to set socket send buffer size")
	}
	if err := conn.SetReadBuffer(recvBytes); err != nil {
		log.Warn().Err(err).Msg("failed to set socket receive buffer size")
	}
}

// PinToCore binds the calling OS thread to core, so the caller must have
// already called runtime.LockOSThread. A failure to pin is logged but
// non-fatal: the worker still runs, just without the scheduling guarantee.
func PinToCore(core int, log zerolog.Logger) {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warn().Err(err).Int("core", core).Msg("failed to pin receive-loop thread to core")
	}
}

// udpSender adapts *net.UDPConn to handlers.Sender.
type udpSender struct {
	conn *net.UDPConn
}

func (s udpSender) SendTo(addr wire.Address, payload []byte) error {
	_, err := s.conn.WriteToUDP(payload, addr.UDPAddr())
	return err
}

// NewSender wraps conn as a handlers.Sender.
func NewSender(conn *net.UDPConn) handlers.Sender {
	return udpSender{conn: conn}
}

// Run blocks reading datagrams from w.Conn until alive returns false or the
// socket is closed. Each datagram is classified, counted, and dispatched
// through handlers.Handle.
func (w *Worker) Run(alive func() bool) {
	buf := make([]byte, MaxDatagramBytes)
	for {
		if alive != nil && !alive() {
			return
		}

		n, raddr, err := w.Conn.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			w.Log.Warn().Err(err).Msg("receive loop read error")
			continue
		}
		if n == 0 {
			continue
		}

		now := time.Now()
		source := wire.FromUDPAddr(raddr)
		packet := buf[:n]

		class := throughput.ClassUnknown
		if n >= 1 {
			class = classForByte(packet[0])
		}
		w.State.Throughput.Record(class, uint64(n)+throughput.UDPIPv4HeaderEstimate)
		if w.BytesRecorder != nil {
			w.BytesRecorder.RecordReceived(uint64(n) + throughput.UDPIPv4HeaderEstimate)
		}

		handlers.Handle(w.State, packet, source, now)
	}
}

func classForByte(b byte) throughput.Class {
	switch relaycrypto.PacketType(b) {
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

func isClosed(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
