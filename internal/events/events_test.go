package events

import (
	"context"
	"testing"
	"time"
)

func TestSubjectNaming(t *testing.T) {
	now := time.Now()
	event := NewCallInitiated("call-123", "camp-1", "+15550001111", "+15559990000", now)

	want := "dialer.calls.call-123.call.initiated"
	if got := event.Subject(); got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}

func TestChannelPublisherDeliversPublishedEvent(t *testing.T) {
	p := NewChannelPublisher(4, nil)
	defer p.Close()

	event := NewCallEnded("call-1", "camp-1", "normal", "answered", "human", 5000, 5200, false, time.Now())
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-p.Events():
		if got.CallID() != "call-1" {
			t.Fatalf("expected call-1, got %s", got.CallID())
		}
	default:
		t.Fatal("expected event to be delivered on the channel")
	}
}

func TestChannelPublisherDropsWhenBufferFull(t *testing.T) {
	p := NewChannelPublisher(1, nil)
	defer p.Close()

	p.PublishAsync(NewSIPStatus("registered", "", time.Now()))
	p.PublishAsync(NewSIPStatus("registered", "", time.Now())) // buffer full, dropped

	if got := p.DroppedCount(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
}

func TestMultiPublisherFansOutToAll(t *testing.T) {
	a := NewChannelPublisher(4, nil)
	b := NewChannelPublisher(4, nil)
	defer a.Close()
	defer b.Close()

	multi := NewMultiPublisher(a, b)
	event := NewCallAMD("call-1", "camp-1", "machine", 0.92, time.Now())
	if err := multi.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both publishers to receive the event")
	}
}

func TestNoopPublisherDiscardsEverything(t *testing.T) {
	p := NewNoopPublisher()
	if err := p.Publish(context.Background(), NewSIPStatus("registering", "", time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.PublishAsync(NewSIPStatus("registering", "", time.Now()))
}
