package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestAddressRoundTripIPv4(t *testing.T) {
	a := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40000})

	buf := make([]byte, AddressSize)
	idx := 0
	if !WriteAddress(buf, &idx, a) {
		t.Fatalf("WriteAddress failed")
	}
	if idx != AddressSize {
		t.Fatalf("index advanced by %d, want %d", idx, AddressSize)
	}

	idx = 0
	got, ok := ReadAddress(buf, &idx)
	if !ok {
		t.Fatalf("ReadAddress failed")
	}
	if !got.Equal(a) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestAddressRoundTripIPv6(t *testing.T) {
	a := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 12345})

	buf := make([]byte, AddressSize)
	idx := 0
	if !WriteAddress(buf, &idx, a) {
		t.Fatalf("WriteAddress failed")
	}

	idx = 0
	got, ok := ReadAddress(buf, &idx)
	if !ok || !got.Equal(a) {
		t.Fatalf("round trip mismatch: got %+v, want %+v (ok=%v)", got, a, ok)
	}
}

func TestNoneAddressEncodesToZero(t *testing.T) {
	buf := make([]byte, AddressSize)
	idx := 0
	if !WriteAddress(buf, &idx, NoneAddress) {
		t.Fatalf("WriteAddress failed")
	}
	if !bytes.Equal(buf, make([]byte, AddressSize)) {
		t.Fatalf("none address did not encode to all zero bytes: %x", buf)
	}
}

func TestAddressSizeIsAlwaysNineteen(t *testing.T) {
	for _, a := range []Address{
		NoneAddress,
		FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 1}),
		FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 2}),
	} {
		buf := make([]byte, AddressSize)
		idx := 0
		if !WriteAddress(buf, &idx, a) || idx != 19 {
			t.Fatalf("address %+v did not encode to exactly 19 bytes", a)
		}
	}
}

func TestReadAddressBoundsChecked(t *testing.T) {
	buf := make([]byte, AddressSize-1)
	idx := 0
	if _, ok := ReadAddress(buf, &idx); ok {
		t.Fatalf("ReadAddress should fail on short buffer")
	}
	if idx != 0 {
		t.Fatalf("index must not advance on failure, got %d", idx)
	}
}
