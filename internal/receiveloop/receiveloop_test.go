package receiveloop

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/networknext/next-sub003/internal/clock"
	"github.com/networknext/next-sub003/internal/handlers"
	"github.com/networknext/next-sub003/internal/relaycrypto"
	"github.com/networknext/next-sub003/internal/relaymanager"
	"github.com/networknext/next-sub003/internal/session"
	"github.com/networknext/next-sub003/internal/throughput"
)

type countingRecorder struct {
	total uint64
}

func (c *countingRecorder) RecordReceived(n uint64) { atomic.AddUint64(&c.total, n) }

func newLocalUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

func TestClassForByteCoversEveryDispatchedType(t *testing.T) {
	types := []relaycrypto.PacketType{
		relaycrypto.PacketRouteRequest, relaycrypto.PacketRouteResponse,
		relaycrypto.PacketContinueRequest, relaycrypto.PacketContinueResponse,
		relaycrypto.PacketClientToServer, relaycrypto.PacketServerToClient,
		relaycrypto.PacketSessionPing, relaycrypto.PacketSessionPong,
		relaycrypto.PacketRelayPing, relaycrypto.PacketRelayPong,
		relaycrypto.PacketNearPing, relaycrypto.PacketNearPong,
	}
	for _, typ := range types {
		if classForByte(byte(typ)) == throughput.ClassUnknown {
			t.Fatalf("packet type %d mapped to ClassUnknown", typ)
		}
	}
	if classForByte(255) != throughput.ClassUnknown {
		t.Fatalf("expected an unrecognized byte to map to ClassUnknown")
	}
}

func TestWorkerRunDispatchesRelayPingAndStops(t *testing.T) {
	serverConn := newLocalUDPConn(t)
	defer serverConn.Close()
	clientConn := newLocalUDPConn(t)
	defer clientConn.Close()

	st := &handlers.State{
		Sessions:   session.NewTable(),
		Relays:     relaymanager.New(),
		Throughput: &throughput.Recorder{},
		Router:     clock.NewRouterInfo(),
		Sender:     NewSender(serverConn),
		Log:        zerolog.Nop(),
	}

	recorder := &countingRecorder{}
	w := &Worker{Conn: serverConn, State: st, Log: zerolog.Nop(), BytesRecorder: recorder}

	var alive int32 = 1
	done := make(chan struct{})
	go func() {
		w.Run(func() bool { return atomic.LoadInt32(&alive) == 1 })
		close(done)
	}()

	ping := []byte{byte(relaycrypto.PacketRelayPing), 1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := clientConn.WriteToUDP(ping, serverConn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 64)
	n, _, err := clientConn.ReadFromUDP(reply)
	if err != nil {
		t.Fatalf("read pong reply: %v", err)
	}
	if n != 9 || reply[0] != byte(relaycrypto.PacketRelayPong) {
		t.Fatalf("unexpected reply: % x", reply[:n])
	}
	if atomic.LoadUint64(&recorder.total) == 0 {
		t.Fatalf("expected BytesRecorder to observe the received datagram")
	}

	atomic.StoreInt32(&alive, 0)
	serverConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after the socket was closed")
	}
}
