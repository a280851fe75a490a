package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// CaptureStatus is the telemetry exposed by a CaptureSource.
type CaptureStatus struct {
	Running  bool    `json:"running"`
	Elapsed  float64 `json:"elapsed"`
	Samples  int     `json:"samples"`
	Duration float64 `json:"duration"`
	Dropped  int     `json:"dropped_chunks"`
}

// CaptureSource records a live Device into a canonical SampleBuffer.
//
// Device callbacks append channel 0 at the device rate under mu, so
// overlapping callbacks never write the recording at the same time. The
// recording is resampled as one stream when it is handed off, which keeps
// its length exact at any device rate.
type CaptureSource struct {
	dev  Device
	norm *Normalizer
	log  *slog.Logger

	mu      sync.Mutex
	raw     []float32
	rate    int
	canon   *SampleBuffer
	canonAt int
	session int
	running bool
	started time.Time
	elapsed time.Duration
	dropped int
}

// NewCaptureSource returns a stopped CaptureSource over dev.
func NewCaptureSource(dev Device, norm *Normalizer, log *slog.Logger) *CaptureSource {
	return &CaptureSource{
		dev:  dev,
		norm: norm,
		log:  log,
		rate: CanonicalRate,
	}
}

// Start begins a new capture session, discarding any previous recording.
// Starting a running source is a no-op.
func (c *CaptureSource) Start() error {
	f := c.dev.Format()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	c.rate = f.SampleRate
	session := c.session
	c.running = true
	c.started = time.Now()
	c.mu.Unlock()

	onEnd := func(err error) { c.deviceEnded(session, err) }
	if err := c.dev.Start(c.append, onEnd); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.log.Error("capture start failed", slog.String("error", err.Error()))
		return err
	}

	c.log.Info("capture started",
		slog.Int("device_rate", f.SampleRate),
		slog.Int("device_channels", f.Channels))
	return nil
}

// Stop ends the session. The recorded samples remain available.
func (c *CaptureSource) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.elapsed += time.Since(c.started)
	frames := len(c.raw)
	c.mu.Unlock()

	err := c.dev.Stop()
	c.log.Info("capture stopped", slog.Int("device_frames", frames))
	return err
}

// Clear stops capture if needed and discards the recording.
func (c *CaptureSource) Clear() error {
	err := c.Stop()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	return err
}

// Buffer returns the recording so far as a canonical buffer owned by the
// caller. Resampling failures are reported as ConversionFailed.
func (c *CaptureSource) Buffer() (*SampleBuffer, error) {
	c.mu.Lock()
	session, rate := c.session, c.rate
	// raw is append-only within a session and reallocated on reset, so
	// the prefix stays valid after the lock is released.
	raw := c.raw[:len(c.raw):len(c.raw)]
	if c.canon != nil && c.canonAt == len(raw) {
		buf := c.canon.Clone()
		c.mu.Unlock()
		return buf, nil
	}
	c.mu.Unlock()

	buf, err := c.norm.Normalize(raw, rate, 1, CanonicalRate)
	if err != nil {
		return nil, err
	}
	buf = buf.Clone()

	c.mu.Lock()
	if c.session == session {
		c.canon, c.canonAt = buf, len(raw)
	}
	c.mu.Unlock()
	return buf.Clone(), nil
}

// Status reports running state, elapsed wall time and sample counts.
func (c *CaptureSource) Status() CaptureStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.elapsed
	if c.running {
		elapsed += time.Since(c.started)
	}
	samples := canonicalLen(len(c.raw), c.rate)
	return CaptureStatus{
		Running:  c.running,
		Elapsed:  elapsed.Seconds(),
		Samples:  samples,
		Duration: float64(samples) / CanonicalRate,
		Dropped:  c.dropped,
	}
}

// append is the device data callback.
func (c *CaptureSource) append(interleaved []float32) {
	channels := c.dev.Format().Channels

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if channels < 1 || len(interleaved)%channels != 0 || !allFinite(interleaved) {
		c.dropped++
		c.log.Warn("capture chunk dropped",
			slog.Int("samples", len(interleaved)),
			slog.Int("channels", channels))
		return
	}
	for i := 0; i < len(interleaved); i += channels {
		c.raw = append(c.raw, interleaved[i])
	}
}

// deviceEnded is the device end-of-stream callback.
func (c *CaptureSource) deviceEnded(session int, err error) {
	c.mu.Lock()
	if c.session != session || !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.elapsed += time.Since(c.started)
	frames := len(c.raw)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("capture stream failed", slog.String("error", err.Error()), slog.Int("device_frames", frames))
		return
	}
	c.log.Info("capture stream ended", slog.Int("device_frames", frames))
}

// resetLocked drops the recording and opens a new session. Caller must
// hold c.mu.
func (c *CaptureSource) resetLocked() {
	c.session++
	c.raw = nil
	c.canon, c.canonAt = nil, 0
	c.elapsed = 0
	c.dropped = 0
}

// canonicalLen is the sample count Normalize yields for frames at rate.
func canonicalLen(frames, rate int) int {
	if rate == CanonicalRate || rate <= 0 {
		return frames
	}
	return int(math.Round(float64(frames) * CanonicalRate / float64(rate)))
}

func allFinite(samples []float32) bool {
	for _, v := range samples {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
