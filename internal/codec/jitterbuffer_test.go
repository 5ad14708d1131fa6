package codec

import "testing"

func TestJitterBufferUnderflowReturnsSilence(t *testing.T) {
	b := NewJitterBuffer(4)
	frame := b.Pop()
	if len(frame) != FrameSize {
		t.Fatalf("expected silence frame of %d bytes, got %d", FrameSize, len(frame))
	}
	for _, sample := range frame {
		if sample != 0 {
			t.Fatalf("expected silent frame, found non-zero sample")
		}
	}
	underruns, _ := b.Stats()
	if underruns != 1 {
		t.Fatalf("expected 1 underrun, got %d", underruns)
	}
}

func TestJitterBufferFIFOOrder(t *testing.T) {
	b := NewJitterBuffer(4)
	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push([]byte{3})

	if got := b.Pop()[0]; got != 1 {
		t.Fatalf("expected frame 1 first, got %d", got)
	}
	if got := b.Pop()[0]; got != 2 {
		t.Fatalf("expected frame 2 second, got %d", got)
	}
}

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push([]byte{3}) // should drop frame 1

	if got := b.Pop()[0]; got != 2 {
		t.Fatalf("expected oldest surviving frame 2, got %d", got)
	}
	if got := b.Pop()[0]; got != 3 {
		t.Fatalf("expected frame 3, got %d", got)
	}
	_, overruns := b.Stats()
	if overruns != 1 {
		t.Fatalf("expected 1 overrun, got %d", overruns)
	}
}

func TestRegistryNegotiatesPreferredOrder(t *testing.T) {
	r := NewRegistry()
	offered := map[string]bool{"PCMA": true, "PCMU": true}

	c, err := r.NegotiateFromOffered([]string{"PCMU", "PCMA"}, offered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name != "PCMU" {
		t.Fatalf("expected PCMU preferred, got %s", c.Name)
	}
}

func TestRegistryNegotiateNoCommonCodec(t *testing.T) {
	r := NewRegistry()
	offered := map[string]bool{"G722": true}

	_, err := r.NegotiateFromOffered([]string{"PCMU", "PCMA"}, offered)
	if err == nil {
		t.Fatalf("expected error for no common codec")
	}
}
