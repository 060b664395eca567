package replay

import "testing"

func TestAdvanceThenAlreadyReceivedIsTrue(t *testing.T) {
	var p Protection
	p.Advance(1000)
	if !p.AlreadyReceived(1000) {
		t.Fatalf("a just-advanced sequence number must be reported as already received")
	}
}

func TestAdvanceAcceptsRecentOutOfOrder(t *testing.T) {
	for k := uint64(1); k < WindowSize; k++ {
		var p Protection
		p.Advance(1000)
		p.Advance(1000 - k)
		if !p.AlreadyReceived(1000 - k) {
			t.Fatalf("k=%d: out-of-order sequence within the window must be accepted", k)
		}
		if p.AlreadyReceived(1000) == false {
			t.Fatalf("k=%d: advancing an older sequence must not forget the newer one", k)
		}
	}
}

func TestRepeatedAdvanceOfSameOutOfOrderSequenceIsIdempotent(t *testing.T) {
	var p Protection
	p.Advance(1000)
	p.Advance(990)
	before := p.mostRecent
	p.Advance(990)
	if p.mostRecent != before {
		t.Fatalf("re-advancing an already-seen out-of-order sequence moved the window")
	}
	if !p.AlreadyReceived(990) {
		t.Fatalf("990 should still read as already received")
	}
}

func TestAdvanceThenOldSequenceIsAlreadyReceived(t *testing.T) {
	var p Protection
	p.Advance(1000)
	if !p.AlreadyReceived(1000 - 257) {
		t.Fatalf("a sequence number 257 behind the most recent must be treated as already received")
	}
}

func TestFreshProtectionAcceptsEverything(t *testing.T) {
	var p Protection
	if p.AlreadyReceived(0) {
		t.Fatalf("a zero-value Protection must not report anything as already received")
	}
}

func TestWindowSlidesForward(t *testing.T) {
	var p Protection
	p.Advance(100)
	p.Advance(101)
	p.Advance(102)

	if p.AlreadyReceived(102) != true {
		t.Fatalf("102 should be already received")
	}
	if p.AlreadyReceived(200) {
		t.Fatalf("a sequence ahead of the window must not read as already received")
	}
	p.Advance(200)
	if !p.AlreadyReceived(200) {
		t.Fatalf("200 should now be already received after advancing to it")
	}
	// 100 is now 100 behind 200, still inside the 256-entry window, and was
	// previously advanced, so it must still read as seen.
	if !p.AlreadyReceived(100) {
		t.Fatalf("100 should still be inside the window and marked seen")
	}
}

func TestDuplicateWithinWindowDetected(t *testing.T) {
	var p Protection
	p.Advance(5)
	if !p.AlreadyReceived(5) {
		t.Fatalf("exact duplicate must be detected")
	}
	if p.AlreadyReceived(6) {
		t.Fatalf("a sequence number never advanced must not read as already received")
	}
}

func TestReset(t *testing.T) {
	var p Protection
	p.Advance(42)
	p.Reset()
	if p.AlreadyReceived(42) {
		t.Fatalf("Reset must clear prior state")
	}
}
