package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sebas/autodialer/internal/codec"
	"github.com/sebas/autodialer/internal/ivr"
	"github.com/sebas/autodialer/internal/media"
	"github.com/sebas/autodialer/internal/rtpsession"
	"github.com/sebas/autodialer/internal/sipdialog"
)

// PromptResolver turns a prompt ID into raw 16-bit PCM audio at 8kHz,
// mono. A deployment backs this with a database or filesystem lookup;
// the engine only needs the resolved bytes.
type PromptResolver func(audioFileID string) ([]byte, error)

// rtpPlayer adapts an rtpsession.Session into ivr.AudioPlayer.
type rtpPlayer struct {
	session  *rtpsession.Session
	enc      *codec.Codec
	digitCh  <-chan rune
	resolver PromptResolver
}

var _ ivr.AudioPlayer = (*rtpPlayer)(nil)

func (p *rtpPlayer) Play(ctx context.Context, audioFileID string, allowedDigits string) (bool, rune, error) {
	pcm, err := p.resolver(audioFileID)
	if err != nil {
		return false, 0, fmt.Errorf("resolve prompt %q: %w", audioFileID, err)
	}
	result := media.Play(ctx, p.session, p.enc, pcm, allowedDigits, p.digitCh)
	return result.WasInterrupted, result.InterruptedBy, nil
}

// rtpCollector adapts the inbound digit channel into ivr.DigitCollector.
type rtpCollector struct {
	digitCh <-chan rune
}

var _ ivr.DigitCollector = (*rtpCollector)(nil)

func (c *rtpCollector) Collect(ctx context.Context, maxDigits int, timeout, interDigitTimeout time.Duration, terminationDigits string) ivr.CollectOutcome {
	result := media.CollectDTMF(ctx, c.digitCh, media.CollectOptions{
		MaxDigits:         maxDigits,
		Timeout:           timeout,
		InterDigitTimeout: interDigitTimeout,
		TerminationDigits: terminationDigits,
	})
	return ivr.CollectOutcome{
		Digits:       result.Digits,
		TimedOut:     result.TimedOut,
		MaxReached:   result.MaxReached,
		TerminatedBy: result.TerminatedBy,
	}
}

// callTerminator adapts the dialog/dialer pair into ivr.CallTerminator.
type callTerminator struct {
	dialer *sipdialog.Dialer
	dialog *sipdialog.Dialog
}

var _ ivr.CallTerminator = (*callTerminator)(nil)

func (t *callTerminator) Hangup(ctx context.Context) error {
	return t.dialer.Bye(t.dialog)
}

// defaultPromptResolver is a placeholder resolver used when no
// deployment-specific one is configured: it yields silence so a flow
// still exercises its timing and DTMF logic in development.
func defaultPromptResolver(audioFileID string) ([]byte, error) {
	const framesOfSilence = 50 // 1 second at 20ms/frame
	return make([]byte, framesOfSilence*codec.FrameSize*2), nil
}
