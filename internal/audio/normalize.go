package audio

import (
	"fmt"
	"math"

	"github.com/gopxl/beep"

	"speaker-diarizer/internal/platform/apperr"
)

// DefaultQuality is the beep resampler quality used when none is configured.
const DefaultQuality = 4

const resampleChunk = 1024

// Normalizer converts interleaved PCM at any rate and channel count into a
// mono SampleBuffer at a target rate. It holds no per-call state and is
// safe for concurrent use.
type Normalizer struct {
	quality int
}

// NewNormalizer returns a Normalizer using the given beep resampler
// quality (1..64). If quality <= 0, DefaultQuality is used.
func NewNormalizer(quality int) (*Normalizer, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	if quality > 64 {
		return nil, fmt.Errorf("resampler quality must be in 1..64 (got: %d)", quality)
	}
	return &Normalizer{quality: quality}, nil
}

// Quality returns the resampler quality.
func (n *Normalizer) Quality() int { return n.quality }

// Normalize converts raw interleaved samples to a mono buffer at targetRate.
//
// Multi-channel input is downmixed by keeping the first channel. When the
// rates differ the result holds round(frames*targetRate/sourceRate)
// samples. Mono input already at targetRate is returned as-is without a
// copy. Any failure yields a ConversionFailed error and no buffer.
func (n *Normalizer) Normalize(raw []float32, sourceRate, sourceChannels, targetRate int) (*SampleBuffer, error) {
	if sourceRate <= 0 {
		return nil, apperr.ConversionFailed(fmt.Sprintf("invalid source rate %d", sourceRate))
	}
	if targetRate <= 0 {
		return nil, apperr.ConversionFailed(fmt.Sprintf("invalid target rate %d", targetRate))
	}
	if sourceChannels < 1 {
		return nil, apperr.ConversionFailed(fmt.Sprintf("unsupported channel count %d", sourceChannels))
	}
	if len(raw)%sourceChannels != 0 {
		return nil, apperr.ConversionFailed(fmt.Sprintf("%d samples is not a whole number of %d-channel frames", len(raw), sourceChannels))
	}
	for i, v := range raw {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, apperr.ConversionFailed(fmt.Sprintf("non-finite sample at index %d", i))
		}
	}

	mono := raw
	if sourceChannels > 1 {
		mono = firstChannel(raw, sourceChannels)
	}
	if sourceRate == targetRate {
		return FromSamples(mono, targetRate), nil
	}
	if len(mono) == 0 {
		return NewSampleBuffer(targetRate, 0), nil
	}

	out, err := n.resample(mono, sourceRate, targetRate)
	if err != nil {
		return nil, err
	}
	return FromSamples(out, targetRate), nil
}

func (n *Normalizer) resample(mono []float32, sourceRate, targetRate int) ([]float32, error) {
	want := int(math.Round(float64(len(mono)) * float64(targetRate) / float64(sourceRate)))

	r := beep.Resample(n.quality, beep.SampleRate(sourceRate), beep.SampleRate(targetRate), Streamer(mono))
	out := make([]float32, 0, want+resampleChunk)
	chunk := make([][2]float64, resampleChunk)
	for len(out) <= want {
		k, ok := r.Stream(chunk)
		for i := 0; i < k; i++ {
			out = append(out, float32(chunk[i][0]))
		}
		if !ok || k == 0 {
			break
		}
	}
	if err := r.Err(); err != nil {
		return nil, apperr.ConversionFailed("resampler error").WithCause(err)
	}

	// The resampler may run one sample past the rounded length at the
	// tail; anything shorter than that is a converter fault.
	switch short := want - len(out); {
	case short <= 0:
		out = out[:want]
	case short == 1:
		last := float32(0)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		out = append(out, last)
	default:
		return nil, apperr.ConversionFailed(fmt.Sprintf("resampler produced %d of %d samples", len(out), want))
	}
	return out, nil
}

// firstChannel extracts channel 0 from interleaved frames.
func firstChannel(raw []float32, channels int) []float32 {
	frames := len(raw) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		out[i] = raw[i*channels]
	}
	return out
}

// Streamer exposes mono samples as a beep.Streamer, duplicating each
// sample into both beep channels.
func Streamer(samples []float32) beep.Streamer {
	return &monoStreamer{samples: samples}
}

type monoStreamer struct {
	samples []float32
	pos     int
}

func (s *monoStreamer) Stream(buf [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := 0
	for n < len(buf) && s.pos < len(s.samples) {
		v := float64(s.samples[s.pos])
		buf[n] = [2]float64{v, v}
		n++
		s.pos++
	}
	return n, true
}

func (s *monoStreamer) Err() error { return nil }
