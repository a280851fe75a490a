// Package audio turns captured or imported PCM into canonical mono
// float32 sample buffers at CanonicalRate.
package audio

import "time"

// CanonicalRate is the sample rate every buffer is normalized to before
// diarization.
const CanonicalRate = 16000

// SampleBuffer is an append-only sequence of mono float32 samples at a
// fixed sample rate. It is owned by one component at a time: the capture
// loop while recording, the orchestrator while a run executes.
type SampleBuffer struct {
	samples []float32
	rate    int
}

// NewSampleBuffer returns an empty buffer at rate with room for capacity samples.
func NewSampleBuffer(rate, capacity int) *SampleBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &SampleBuffer{samples: make([]float32, 0, capacity), rate: rate}
}

// FromSamples wraps samples without copying.
func FromSamples(samples []float32, rate int) *SampleBuffer {
	return &SampleBuffer{samples: samples, rate: rate}
}

// Append adds samples to the end of the buffer.
func (b *SampleBuffer) Append(samples ...float32) {
	b.samples = append(b.samples, samples...)
}

// Samples returns the underlying samples. Callers must not modify them.
func (b *SampleBuffer) Samples() []float32 { return b.samples }

// SampleRate returns the declared sample rate in Hz.
func (b *SampleBuffer) SampleRate() int { return b.rate }

// Len returns the number of samples.
func (b *SampleBuffer) Len() int { return len(b.samples) }

// Duration returns Len() / SampleRate() in seconds.
func (b *SampleBuffer) Duration() float64 {
	if b.rate <= 0 {
		return 0
	}
	return float64(len(b.samples)) / float64(b.rate)
}

// Elapsed is Duration as a time.Duration.
func (b *SampleBuffer) Elapsed() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// Clone returns a deep copy, used to hand a buffer to a new owner.
func (b *SampleBuffer) Clone() *SampleBuffer {
	cp := make([]float32, len(b.samples))
	copy(cp, b.samples)
	return &SampleBuffer{samples: cp, rate: b.rate}
}

// Reset drops all samples but keeps the allocated capacity.
func (b *SampleBuffer) Reset() {
	b.samples = b.samples[:0]
}
