package ivr

import (
	"context"
	"time"
)

// AudioPlayer plays a resolved audio file to the live call, optionally
// interruptible by a digit in allowedDigits.
type AudioPlayer interface {
	Play(ctx context.Context, audioFileID string, allowedDigits string) (interrupted bool, digit rune, err error)
}

// DigitCollector collects up to maxDigits DTMF digits per the timing
// rules in C7's collect_dtmf.
type DigitCollector interface {
	Collect(ctx context.Context, maxDigits int, timeout, interDigitTimeout time.Duration, terminationDigits string) CollectOutcome
}

// CollectOutcome mirrors collect_dtmf's documented return shape.
type CollectOutcome struct {
	Digits       string
	TimedOut     bool
	MaxReached   bool
	TerminatedBy rune
}

// CallTerminator ends the call, used by HANGUP and OPT_OUT(hangup_after=true).
type CallTerminator interface {
	Hangup(ctx context.Context) error
}
