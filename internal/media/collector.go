package media

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// EventDecoder turns a stream of RTP telephone-event packets into
// completed digit runes, with a small state machine tracking event
// start/continuation/end per RFC 4733.
type EventDecoder struct {
	payloadType uint8
	minDuration uint16

	pending   bool
	lastEvent uint8
}

// NewEventDecoder creates a decoder for the given telephone-event
// payload type.
func NewEventDecoder(payloadType uint8) *EventDecoder {
	return &EventDecoder{payloadType: payloadType, minDuration: MinDTMFDuration}
}

// Feed processes one RTP packet, returning a completed digit if this
// packet finished a DTMF event.
func (d *EventDecoder) Feed(pkt *rtp.Packet) (rune, bool) {
	if pkt.PayloadType != d.payloadType || len(pkt.Payload) < 4 {
		return 0, false
	}

	evt, err := DecodeDTMFEvent(pkt.Payload)
	if err != nil {
		return 0, false
	}

	if evt.EndOfEvent {
		completed := d.pending && evt.Event == d.lastEvent && evt.Duration >= d.minDuration
		d.pending = false
		if completed {
			if ch, ok := EventToRune(evt.Event); ok {
				return ch, true
			}
		}
		return 0, false
	}

	if !d.pending || evt.Event != d.lastEvent {
		d.lastEvent = evt.Event
		d.pending = true
	}
	return 0, false
}

// Reset clears in-progress event state so the next packet starts a
// fresh event.
func (d *EventDecoder) Reset() {
	d.pending = false
	d.lastEvent = 0
}

// CollectResult is the outcome of one collect_dtmf call.
type CollectResult struct {
	Digits        string
	TimedOut      bool
	MaxReached    bool
	TerminatedBy  rune
	HasTerminator bool
}

// CollectOptions parameterizes one digit-collection pass.
type CollectOptions struct {
	MaxDigits         int
	Timeout           time.Duration // overall timeout if nothing at all arrives
	InterDigitTimeout time.Duration // timeout between digits once collection has started
	InitialTimeout    time.Duration // timeout for the first digit, if distinct from Timeout
	TerminationDigits string        // any of these ends collection immediately
}

// CollectDTMF reads digits from digitCh (fed by an EventDecoder) until
// max_digits is reached, a termination digit arrives, or a timeout
// fires. digitCh is not drained on entry: digits already queued on it
// when the call starts count toward this collection.
func CollectDTMF(ctx context.Context, digitCh <-chan rune, opts CollectOptions) CollectResult {
	initial := opts.InitialTimeout
	if initial <= 0 {
		initial = opts.Timeout
	}

	var digits []rune
	timeout := initial
	if len(digits) > 0 {
		timeout = opts.InterDigitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return CollectResult{Digits: string(digits), TimedOut: true}

		case <-timer.C:
			return CollectResult{Digits: string(digits), TimedOut: true}

		case d, ok := <-digitCh:
			if !ok {
				return CollectResult{Digits: string(digits), TimedOut: true}
			}

			digits = append(digits, d)

			for _, term := range opts.TerminationDigits {
				if d == term {
					return CollectResult{Digits: string(digits), TerminatedBy: d, HasTerminator: true}
				}
			}

			if opts.MaxDigits > 0 && len(digits) >= opts.MaxDigits {
				return CollectResult{Digits: string(digits), MaxReached: true}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(opts.InterDigitTimeout)
		}
	}
}
