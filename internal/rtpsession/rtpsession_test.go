package rtpsession

import "testing"

func TestPortPoolAllocatesEvenOddPairs(t *testing.T) {
	p := NewPortPool(10000, 10010)

	rtpPort, rtcpPort, err := p.Allocate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rtpPort%2 != 0 {
		t.Fatalf("expected even rtp port, got %d", rtpPort)
	}
	if rtcpPort != rtpPort+1 {
		t.Fatalf("expected rtcp port to be rtp+1, got %d", rtcpPort)
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	p := NewPortPool(10000, 10004) // only ports 10000, 10002 available

	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("unexpected error on first allocate: %v", err)
	}
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("unexpected error on second allocate: %v", err)
	}
	if _, _, err := p.Allocate(); err == nil {
		t.Fatalf("expected error when pool exhausted")
	}
}

func TestPortPoolReleaseAndReuse(t *testing.T) {
	p := NewPortPool(10000, 10004)

	rtpPort, _, _ := p.Allocate()
	p.Release(rtpPort)

	if got := p.Available(); got != 2 {
		t.Fatalf("expected 2 available ports after release, got %d", got)
	}
}

func TestSequenceTrackerMonotonic(t *testing.T) {
	tr := NewSequenceTracker()

	ext1, lost1 := tr.Update(100)
	if lost1 != 0 {
		t.Fatalf("expected no loss on first packet, got %d", lost1)
	}
	ext2, lost2 := tr.Update(101)
	if lost2 != 0 {
		t.Fatalf("expected no loss for consecutive seq, got %d", lost2)
	}
	if ext2 <= ext1 {
		t.Fatalf("expected extended sequence to increase: %d -> %d", ext1, ext2)
	}
}

func TestSequenceTrackerDetectsLoss(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Update(100)
	_, lost := tr.Update(103) // skipped 101, 102

	if lost != 2 {
		t.Fatalf("expected 2 lost packets, got %d", lost)
	}
}

func TestSequenceTrackerRollover(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Update(65530)
	ext, _ := tr.Update(5)

	if ext>>16 != 1 {
		t.Fatalf("expected cycle count to increment after rollover, got extended=%d", ext)
	}
}
