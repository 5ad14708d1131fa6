package media

import (
	"context"
	"time"

	"github.com/sebas/autodialer/internal/codec"
)

// FrameWriter sends one encoded 20ms frame, with marker set on the
// first frame of a new talkspurt. Implemented by *rtpsession.Session.
type FrameWriter interface {
	WriteFrame(payload []byte) error
	MarkNextFrame()
}

// PlayResult is the outcome of one Play call.
type PlayResult struct {
	Completed      bool
	InterruptedBy  rune
	WasInterrupted bool
}

// Play encodes pcm in 20ms chunks and writes them to w at a strict 20ms
// pace, setting the marker bit on the first frame. If allowedDigits is
// non-empty, playback is interrupted the moment a digit matching the
// allow-set arrives on digitCh.
func Play(ctx context.Context, w FrameWriter, enc *codec.Codec, pcm []byte, allowedDigits string, digitCh <-chan rune) PlayResult {
	w.MarkNextFrame()

	const pcmFrameBytes = codec.FrameSize * 2 // 16-bit samples

	for offset := 0; offset < len(pcm); offset += pcmFrameBytes {
		end := offset + pcmFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[offset:end]
		if len(chunk) < pcmFrameBytes {
			padded := make([]byte, pcmFrameBytes)
			copy(padded, chunk)
			chunk = padded
		}

		wire := enc.Encode(chunk)
		if err := w.WriteFrame(wire); err != nil {
			return PlayResult{}
		}

		if allowedDigits != "" {
			select {
			case d, ok := <-digitCh:
				if ok {
					for _, allowed := range allowedDigits {
						if d == allowed {
							return PlayResult{WasInterrupted: true, InterruptedBy: d}
						}
					}
				}
			case <-ctx.Done():
				return PlayResult{}
			default:
			}
		}

		select {
		case <-ctx.Done():
			return PlayResult{}
		default:
		}
	}

	return PlayResult{Completed: true}
}

// FrameDuration is the fixed pacing interval playback and collection
// assume throughout this package.
const FrameDuration = 20 * time.Millisecond
