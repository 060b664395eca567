package wire

import (
	"bytes"
	"testing"
)

func TestCursorRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.PutUint8(0xAB)
	w.PutUint16(0x1234)
	w.PutUint32(0xDEADBEEF)
	w.PutUint64(0x0102030405060708)
	w.PutBytes([]byte("tail"))

	r := NewReader(w.Bytes())
	if v, ok := r.Uint8(); !ok || v != 0xAB {
		t.Fatalf("Uint8: got %x, ok=%v", v, ok)
	}
	if v, ok := r.Uint16(); !ok || v != 0x1234 {
		t.Fatalf("Uint16: got %x, ok=%v", v, ok)
	}
	if v, ok := r.Uint32(); !ok || v != 0xDEADBEEF {
		t.Fatalf("Uint32: got %x, ok=%v", v, ok)
	}
	if v, ok := r.Uint64(); !ok || v != 0x0102030405060708 {
		t.Fatalf("Uint64: got %x, ok=%v", v, ok)
	}
	tail, ok := r.Bytes(4)
	if !ok || !bytes.Equal(tail, []byte("tail")) {
		t.Fatalf("Bytes: got %q, ok=%v", tail, ok)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected buffer exhausted, %d bytes remain", r.Remaining())
	}
}

func TestReaderNeverReadsPastLength(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, ok := r.Uint32(); ok {
		t.Fatalf("Uint32 should fail on a 3-byte buffer")
	}
	if r.Offset() != 0 {
		t.Fatalf("failed read must not move the cursor, offset=%d", r.Offset())
	}
}

func TestIndexedHelpersAdvanceBySerializedSize(t *testing.T) {
	buf := make([]byte, 32)
	idx := 0
	if !WriteUint8(buf, &idx, 7) || idx != 1 {
		t.Fatalf("WriteUint8 advanced to %d, want 1", idx)
	}
	if !WriteUint16(buf, &idx, 7) || idx != 3 {
		t.Fatalf("WriteUint16 advanced to %d, want 3", idx)
	}
	if !WriteUint64(buf, &idx, 7) || idx != 11 {
		t.Fatalf("WriteUint64 advanced to %d, want 11", idx)
	}

	idx = 0
	if v, ok := ReadUint8(buf, &idx); !ok || v != 7 || idx != 1 {
		t.Fatalf("ReadUint8 got %d ok=%v idx=%d", v, ok, idx)
	}
	if v, ok := ReadUint16(buf, &idx); !ok || v != 7 || idx != 3 {
		t.Fatalf("ReadUint16 got %d ok=%v idx=%d", v, ok, idx)
	}
	if v, ok := ReadUint64(buf, &idx); !ok || v != 7 || idx != 11 {
		t.Fatalf("ReadUint64 got %d ok=%v idx=%d", v, ok, idx)
	}
}
