package engine

import (
	"fmt"
	"os"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"speaker-diarizer/internal/audio"
)

// WriteTempWAV encodes samples as 16-bit mono WAV into a temp file and
// returns its path. The caller removes the file.
func WriteTempWAV(dir string, samples []float32, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		return "", fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	f, err := os.CreateTemp(dir, "diarize-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}

	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 1, Precision: 2}
	if err := wav.Encode(f, audio.Streamer(samples), format); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close wav: %w", err)
	}
	return f.Name(), nil
}
