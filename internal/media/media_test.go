package media

import (
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func dtmfPacket(event uint8, endOfEvent bool, duration uint16) *rtp.Packet {
	evt := DTMFEvent{Event: event, EndOfEvent: endOfEvent, Volume: DefaultDTMFVolume, Duration: duration}
	return &rtp.Packet{
		Header:  rtp.Header{PayloadType: DTMFPayloadType},
		Payload: evt.Encode(),
	}
}

func TestEventDecoderCompletesOnEndPacket(t *testing.T) {
	d := NewEventDecoder(DTMFPayloadType)

	if _, ok := d.Feed(dtmfPacket(DTMF5, false, 160)); ok {
		t.Fatalf("did not expect digit on start packet")
	}
	digit, ok := d.Feed(dtmfPacket(DTMF5, true, 800))
	if !ok {
		t.Fatalf("expected completed digit on end packet")
	}
	if digit != '5' {
		t.Fatalf("expected digit '5', got %q", digit)
	}
}

func TestEventDecoderRejectsShortEndDuration(t *testing.T) {
	d := NewEventDecoder(DTMFPayloadType)
	d.Feed(dtmfPacket(DTMF2, false, 160))

	if _, ok := d.Feed(dtmfPacket(DTMF2, true, 10)); ok {
		t.Fatalf("expected no digit for duration below minimum")
	}
}

func TestCollectDTMFMaxDigitsReached(t *testing.T) {
	ch := make(chan rune, 4)
	ch <- '1'
	ch <- '2'
	ch <- '3'

	result := CollectDTMF(context.Background(), ch, CollectOptions{
		MaxDigits:         3,
		Timeout:           time.Second,
		InterDigitTimeout: time.Second,
	})

	if !result.MaxReached {
		t.Fatalf("expected max_reached, got %+v", result)
	}
	if result.Digits != "123" {
		t.Fatalf("expected digits '123', got %q", result.Digits)
	}
}

func TestCollectDTMFTerminationDigit(t *testing.T) {
	ch := make(chan rune, 2)
	ch <- '4'
	ch <- '#'

	result := CollectDTMF(context.Background(), ch, CollectOptions{
		MaxDigits:         5,
		Timeout:           time.Second,
		InterDigitTimeout: time.Second,
		TerminationDigits: "#",
	})

	if !result.HasTerminator || result.TerminatedBy != '#' {
		t.Fatalf("expected termination by '#', got %+v", result)
	}
	if result.Digits != "4#" {
		t.Fatalf("expected digits '4#', got %q", result.Digits)
	}
}

func TestCollectDTMFTimesOutWithNoInput(t *testing.T) {
	ch := make(chan rune)

	result := CollectDTMF(context.Background(), ch, CollectOptions{
		MaxDigits: 3,
		Timeout:   20 * time.Millisecond,
	})

	if !result.TimedOut {
		t.Fatalf("expected timeout with no input, got %+v", result)
	}
}
