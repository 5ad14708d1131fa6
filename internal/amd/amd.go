// Package amd classifies an answered call leg as human, machine, beep,
// or silence from its first seconds of audio: RMS energy framing plus
// an FFT-based tone detector for answering-machine beeps.
//
// There is no FFT library anywhere in the example pack this engine was
// grounded on, so the radix-2 Cooley-Tukey transform below is written
// against stdlib math/cmplx rather than adapted from a third-party
// dependency; everything else in this package (the energy/ratio
// heuristics) mirrors the reference analyzer exactly.
package amd

import (
	"math"
	"math/cmplx"

	"github.com/sebas/autodialer/internal/config"
	"github.com/sebas/autodialer/internal/model"
)

// FrameSize is 20ms of 8kHz audio: 160 samples.
const FrameSize = 160

// fftWindow is how many leading samples are analyzed for a beep tone
// (1 second at 8kHz), matching the reference analyzer's window.
const fftWindow = 8000

// Analyze classifies duration seconds worth of 16-bit PCM samples
// (8kHz mono) per the engine's AMD heuristics.
func Analyze(samples []int16, duration float64, thresholds config.AMDThresholdConfig) model.AMDResult {
	if len(samples) == 0 {
		return model.AMDSilence
	}

	energy := rms(samples)
	if energy < thresholds.SilenceRMS {
		return model.AMDSilence
	}

	voiceFrames, totalFrames := countVoiceFrames(samples, thresholds.VoiceFrameEnergy)
	if totalFrames == 0 {
		return model.AMDSilence
	}
	speakingRatio := float64(voiceFrames) / float64(totalFrames)

	if detectBeep(samples, thresholds.BeepEnergyMultiple) {
		return model.AMDBeep
	}

	if speakingRatio > thresholds.MachineSpeakingRatio && duration > thresholds.MachineMinDuration {
		return model.AMDMachine
	}

	if speakingRatio < thresholds.HumanSpeakingRatio && duration < thresholds.HumanMaxDuration {
		return model.AMDHuman
	}

	return model.AMDHuman
}

// rms computes the root-mean-square energy of a block of samples.
func rms(samples []int16) float64 {
	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

func countVoiceFrames(samples []int16, voiceFrameEnergy float64) (voice, total int) {
	for i := 0; i+FrameSize <= len(samples); i += FrameSize {
		frame := samples[i : i+FrameSize]
		if rms(frame) > voiceFrameEnergy {
			voice++
		}
		total++
	}
	return voice, total
}

// detectBeep looks for a sustained tone in the 800-2400 Hz range across
// the first fftWindow samples, flagging a beep when the peak energy in
// that band exceeds beepEnergyMultiple times the mean spectral energy.
func detectBeep(samples []int16, beepEnergyMultiple float64) bool {
	if len(samples) <= 1024 {
		return false
	}

	n := len(samples)
	if n > fftWindow {
		n = fftWindow
	}

	fftLen := nextPowerOfTwo(n)
	in := make([]complex128, fftLen)
	for i := 0; i < n; i++ {
		in[i] = complex(float64(samples[i]), 0)
	}

	spectrum := fft(in)
	half := len(spectrum)/2 + 1

	const sampleRate = 8000.0
	binHz := sampleRate / float64(fftLen)

	var beepPeak, totalSum float64
	for i := 0; i < half; i++ {
		mag := cmplx.Abs(spectrum[i])
		totalSum += mag
		freq := float64(i) * binHz
		if freq > 800 && freq < 2400 && mag > beepPeak {
			beepPeak = mag
		}
	}
	if half == 0 {
		return false
	}
	meanEnergy := totalSum / float64(half)
	if meanEnergy == 0 {
		return false
	}

	return beepPeak > meanEnergy*beepEnergyMultiple
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// fft computes the discrete Fourier transform of x (len(x) must be a
// power of two) via recursive radix-2 Cooley-Tukey decimation in time.
func fft(x []complex128) []complex128 {
	n := len(x)
	if n <= 1 {
		return x
	}

	even := make([]complex128, n/2)
	odd := make([]complex128, n/2)
	for i := 0; i < n/2; i++ {
		even[i] = x[2*i]
		odd[i] = x[2*i+1]
	}

	fEven := fft(even)
	fOdd := fft(odd)

	result := make([]complex128, n)
	for k := 0; k < n/2; k++ {
		twiddle := cmplx.Exp(complex(0, -2*math.Pi*float64(k)/float64(n))) * fOdd[k]
		result[k] = fEven[k] + twiddle
		result[k+n/2] = fEven[k] - twiddle
	}
	return result
}
